package configtest

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// checkYAMLTags walks the fields of types declared under pkgPrefix. Types
// from other modules are not ours to tag.
func checkYAMLTags(t reflect.Type, pkgPrefix string, seen map[reflect.Type]struct{}) error {
	if _, ok := seen[t]; ok {
		return nil
	}
	seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		return checkYAMLTags(t.Elem(), pkgPrefix, seen)
	case reflect.Struct:
		if !strings.HasPrefix(t.PkgPath(), pkgPrefix) {
			return nil
		}

		var errs error
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)

			if !field.IsExported() {
				continue
			}

			parts := strings.Split(field.Tag.Get("yaml"), ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] == "" && !slices.Contains(parts, "inline") {
				errs = multierr.Append(errs, fmt.Errorf("%s/%s.%s missing yaml tag", t.PkgPath(), t.Name(), field.Name))
				continue
			}

			// zero is a meaningful value for booleans and configured exceptions
			if field.Type.Kind() != reflect.Bool && field.Tag.Get("config") != "allowempty" {
				if !slices.Contains(parts, "omitempty") && !slices.Contains(parts, "inline") {
					errs = multierr.Append(errs, fmt.Errorf("%s/%s.%s missing omitempty tag", t.PkgPath(), t.Name(), field.Name))
				}
			}

			errs = multierr.Append(errs, checkYAMLTags(field.Type, pkgPrefix, seen))
		}
		return errs
	default:
		return nil
	}
}

// CheckYAMLTags reports fields of config, and of the config types it nests from
// the same module, that cannot round trip through a partial YAML document.
func CheckYAMLTags(config any) error {
	t := reflect.TypeOf(config)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// module root, e.g. github.com/org/repo
	prefix := t.PkgPath()
	if parts := strings.SplitN(prefix, "/", 4); len(parts) >= 3 {
		prefix = strings.Join(parts[:3], "/")
	}
	return checkYAMLTags(t, prefix, map[reflect.Type]struct{}{})
}
