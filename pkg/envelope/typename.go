package envelope

import "reflect"

// derefType returns the fully-qualified type name of v, unwrapping
// pointer indirection so *orders.ShipOrder and orders.ShipOrder
// classify identically.
func derefType(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "nil"
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}
