// Package flagx lets several layers share one command line: each layer picks
// out the flags it owns and leaves the rest alone.
package flagx

import (
	"os"
	"strings"
)

// FilterArgs returns the arguments of args that belong to allowedFlags, with
// their values. Both "-c conf.json" and "-c=conf.json" are recognised; a
// following argument that starts with "-" is never taken as a value.
func FilterArgs(args []string, allowedFlags []string) []string {
	allowed := set(allowedFlags)
	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if name, _, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(arg, "-") {
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			if hasValue(args, i) {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// Value returns the value of the last occurrence of any of names in args,
// or "" when none is present.
func Value(args []string, names ...string) string {
	var v string
	filtered := FilterArgs(args, names)
	for i := 0; i < len(filtered); i++ {
		if _, val, ok := strings.Cut(filtered[i], "="); ok {
			v = val
			continue
		}
		v = ""
		if i+1 < len(filtered) && !strings.HasPrefix(filtered[i+1], "-") {
			v = filtered[i+1]
			i++
		}
	}
	return v
}

// StripLeading drops the flags of globals, and their values, that precede
// the first positional argument. It returns the rest starting at that
// argument, or nil if there is none.
func StripLeading(args []string, globals []string) []string {
	known := set(globals)

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return args[i:]
		}
		if _, ok := known[arg]; ok && hasValue(args, i) {
			i++
		}
	}
	return nil
}

// JsonConfigFlags returns the JSON config path given with -c or -config.
func JsonConfigFlags() string {
	return Value(os.Args[1:], "-c", "-config")
}

// EnvFileFlags returns the dotenv file path given with -env.
func EnvFileFlags() string {
	return Value(os.Args[1:], "-env")
}

func hasValue(args []string, i int) bool {
	return i+1 < len(args) && !strings.HasPrefix(args[i+1], "-")
}

func set(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}
