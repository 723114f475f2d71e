package core

import (
	"reflect"

	"github.com/encodeous/weft/state"
)

func moduleName(m state.Module) string {
	return reflect.TypeOf(m).String()
}

// Get returns the registered module of type T
func Get[T state.Module](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}
