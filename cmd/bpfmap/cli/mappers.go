package cli

import (
	"reflect"

	"github.com/alecthomas/kong"
)

// literalMapper creates a Kong mapper for Literal.
func literalMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("literal", &s); err != nil {
			return err
		}
		lit, err := ParseLiteral(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(lit))
		return nil
	}
}
