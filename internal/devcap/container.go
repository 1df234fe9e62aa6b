package devcap

import (
	"errors"
	"reflect"

	"go.uber.org/dig"
)

var capabilitiesType = reflect.TypeOf((*Capabilities)(nil)).Elem()

// Resolve builds a fresh dig graph around constructor and returns the
// Capabilities it produces, so the synchronization engine never imports
// the concrete device package that constructor closes over.
//
// Adapted down from agent/util/di's generic Container: that shim carried a
// functional-options list so callers could register any number of
// providers before a separate Get(&target) pulled one out. Every actual
// caller here (installer.go's defaultCapabilitiesFactory) registers
// exactly one constructor and immediately wants its result, so the
// provider list, config/provider/Option/providerOpt types, and the
// separate Get step were pure unused generality — this collapses that
// down to the one call dig is actually doing: Provide the constructor,
// Invoke it, hand back what it built. constructor may still take its own
// dig-resolvable arguments; only its return type is constrained, to
// Capabilities.
func Resolve(constructor interface{}) (Capabilities, error) {
	ct := reflect.TypeOf(constructor)
	if ct == nil || ct.Kind() != reflect.Func || ct.NumOut() == 0 || !ct.Out(0).AssignableTo(capabilitiesType) {
		return nil, errors.New("devcap: Resolve constructor must return a Capabilities")
	}

	dc := dig.New(dig.DeferAcyclicVerification())

	if err := dc.Provide(constructor); err != nil {
		return nil, err
	}

	var caps Capabilities

	extract := reflect.MakeFunc(reflect.FuncOf([]reflect.Type{ct.Out(0)}, nil, false), func(args []reflect.Value) []reflect.Value {
		caps = args[0].Interface().(Capabilities)

		return nil
	})

	if err := dc.Invoke(extract.Interface()); err != nil {
		return nil, err
	}

	return caps, nil
}
