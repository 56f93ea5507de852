package main

import "flag"

// flagSet wraps flag.FlagSet to add support for repeated string flags
// (--bootnode can be passed more than once).
type flagSet struct {
	*flag.FlagSet
}

// newCustomFlagSet creates a flagSet with ContinueOnError behavior.
func newCustomFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return &flagSet{FlagSet: fs}
}

// StringsVar defines a flag that may be repeated; each occurrence appends
// to *p rather than overwriting it.
func (fs *flagSet) StringsVar(p *[]string, name string, usage string) {
	fs.FlagSet.Var(&stringsValue{p: p}, name, usage)
}

// stringsValue implements flag.Value by appending every Set call.
type stringsValue struct {
	p *[]string
}

func (v *stringsValue) String() string {
	if v.p == nil {
		return ""
	}
	return "[" + joinStrings(*v.p, ",") + "]"
}

func (v *stringsValue) Set(s string) error {
	*v.p = append(*v.p, s)
	return nil
}

func joinStrings(ss []string, sep string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}
