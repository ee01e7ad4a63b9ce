package config

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "RTPTRANSPORT"
)

var durationType = reflect.TypeOf(time.Duration(0))

// ToCLIFlagNames maps the dotted yaml path of every scalar config field to the
// field, skipping paths already taken by existingFlags.
func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	taken := map[string]bool{}
	for _, flag := range existingFlags {
		for _, name := range flag.Names() {
			taken[name] = true
		}
	}

	names := map[string]reflect.Value{}
	collectFlagNames(reflect.ValueOf(conf).Elem(), "", taken, names)
	return names
}

func collectFlagNames(node reflect.Value, prefix string, taken map[string]bool, names map[string]reflect.Value) {
	for i := 0; i < node.NumField(); i++ {
		tag, opts, _ := strings.Cut(node.Type().Field(i).Tag.Get("yaml"), ",")
		value := node.Field(i)

		var path string
		switch {
		case tag == "-":
			continue
		case tag == "" && opts == "inline":
			// inline structs contribute their fields to the enclosing section
			if prefix != "" && value.Kind() == reflect.Struct {
				collectFlagNames(value, prefix, taken, names)
			}
			continue
		case tag == "":
			continue
		case prefix == "":
			path = tag
		default:
			path = prefix + "." + tag
		}
		if taken[path] {
			continue
		}

		if value.Kind() == reflect.Struct {
			collectFlagNames(value, path, taken, names)
		} else {
			names[path] = value
		}
	}
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	names := (&Config{}).ToCLIFlagNames(existingFlags)

	flags := make([]cli.Flag, 0, len(names))
	for _, name := range slices.Sorted(maps.Keys(names)) {
		flag, err := newGeneratedFlag(name, names[name].Type(), hidden)
		if err != nil {
			return flags, err
		}
		if flag != nil {
			flags = append(flags, flag)
		}
	}
	return flags, nil
}

func newGeneratedFlag(name string, typ reflect.Type, hidden bool) (cli.Flag, error) {
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	envVars := []string{envVarPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))}

	if typ == durationType {
		return &cli.DurationFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	}
	switch typ.Kind() {
	case reflect.Bool:
		return &cli.BoolFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.String:
		return &cli.StringFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Int, reflect.Int32:
		return &cli.IntFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Int64:
		return &cli.Int64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return &cli.UintFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Uint64:
		return &cli.Uint64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Float32, reflect.Float64:
		return &cli.Float64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Slice, reflect.Map:
		return nil, nil
	default:
		return nil, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, typ.Kind())
	}
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	names := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		name := flag.Names()[0]
		value, ok := names[name]
		if !ok || !c.IsSet(name) {
			continue
		}
		if err := setFromCLI(c, name, value); err != nil {
			return err
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	return nil
}

func setFromCLI(c *cli.Context, name string, value reflect.Value) error {
	if value.Kind() == reflect.Ptr {
		value.Set(reflect.New(value.Type().Elem()))
		value = value.Elem()
	}

	if value.Type() == durationType {
		value.SetInt(int64(c.Duration(name)))
		return nil
	}
	switch value.Kind() {
	case reflect.Bool:
		value.SetBool(c.Bool(name))
	case reflect.String:
		value.SetString(c.String(name))
	case reflect.Int, reflect.Int32:
		value.SetInt(int64(c.Int(name)))
	case reflect.Int64:
		value.SetInt(c.Int64(name))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		value.SetUint(uint64(c.Uint(name)))
	case reflect.Uint64:
		value.SetUint(c.Uint64(name))
	case reflect.Float32, reflect.Float64:
		value.SetFloat(c.Float64(name))
	default:
		return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", name, value.Kind())
	}
	return nil
}
