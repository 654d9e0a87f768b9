package api

import (
	"context"
	"fmt"
	"sort"
)

// OptionSet is a validated multi-select value for boolean-ish API parameters
// such as the recentchanges "show" filter. Names are either enabled, disabled
// or unset; on the wire, enabled names appear bare and disabled names appear
// with a "!" prefix.
//
// Binding the set to a site/module/param triple loads the valid name lists
// from paraminfo, after which unknown names are rejected. Binding is one-way.
type OptionSet struct {
	enabled  map[string]bool
	disabled map[string]bool

	bound        bool
	validEnable  map[string]bool
	validDisable map[string]bool
}

// NewOptionSet returns an unbound OptionSet. Unbound sets accept any name.
func NewOptionSet() *OptionSet {
	return &OptionSet{
		enabled:  make(map[string]bool),
		disabled: make(map[string]bool),
	}
}

// Bind loads the valid-enable and valid-disable name lists for the parameter
// from the site's paraminfo. A second bind with a non-nil client is an error.
func (o *OptionSet) Bind(ctx context.Context, client *Client, module, param string) error {
	if client == nil {
		return fmt.Errorf("bind %s.%s: nil client", module, param)
	}
	if o.bound {
		return fmt.Errorf("OptionSet already bound, cannot rebind to %s.%s", module, param)
	}
	meta, err := client.ParamInfo().Parameter(ctx, module, param)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("module %s has no parameter %s", module, param)
	}
	o.validEnable = make(map[string]bool)
	o.validDisable = make(map[string]bool)
	if typeList, ok := meta["type"].([]any); ok {
		for _, t := range typeList {
			name, ok := t.(string)
			if !ok {
				continue
			}
			if len(name) > 0 && name[0] == '!' {
				o.validDisable[name[1:]] = true
			} else {
				o.validEnable[name] = true
				o.validDisable[name] = true
			}
		}
	}
	o.bound = true

	// Already-set names must survive the newly loaded validation sets.
	for name := range o.enabled {
		if !o.validEnable[name] {
			return &OptionError{Option: name, Valid: o.validNames()}
		}
	}
	for name := range o.disabled {
		if !o.validDisable[name] {
			return &OptionError{Option: name, Valid: o.validNames()}
		}
	}
	return nil
}

func (o *OptionSet) validNames() []string {
	seen := make(map[string]bool)
	for name := range o.validEnable {
		seen[name] = true
	}
	for name := range o.validDisable {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set assigns a state to name. enable true turns the option on, false turns
// it off. Use Unset to clear. On a bound set, unknown names fail.
func (o *OptionSet) Set(name string, enable bool) error {
	if o.bound {
		valid := o.validEnable
		if !enable {
			valid = o.validDisable
		}
		if !valid[name] {
			return &OptionError{Option: name, Valid: o.validNames()}
		}
	}
	if enable {
		o.enabled[name] = true
		delete(o.disabled, name)
	} else {
		o.disabled[name] = true
		delete(o.enabled, name)
	}
	return nil
}

// Unset removes name from both states.
func (o *OptionSet) Unset(name string) error {
	if o.bound && !o.validEnable[name] && !o.validDisable[name] {
		return &OptionError{Option: name, Valid: o.validNames()}
	}
	delete(o.enabled, name)
	delete(o.disabled, name)
	return nil
}

// Get reports the state of name: enabled (true), disabled (false) or unset
// (nil). On a bound set, names unknown to both validation sets fail.
func (o *OptionSet) Get(name string) (*bool, error) {
	if o.enabled[name] {
		v := true
		return &v, nil
	}
	if o.disabled[name] {
		v := false
		return &v, nil
	}
	if o.bound && !o.validEnable[name] && !o.validDisable[name] {
		return nil, &OptionError{Option: name, Valid: o.validNames()}
	}
	return nil, nil
}

// Load bulk-applies a name-to-state mapping; a nil value unsets the name.
// On any invalid name the whole load fails before mutating anything.
func (o *OptionSet) Load(states map[string]*bool) error {
	if o.bound {
		for name, state := range states {
			switch {
			case state == nil:
				if !o.validEnable[name] && !o.validDisable[name] {
					return &OptionError{Option: name, Valid: o.validNames()}
				}
			case *state:
				if !o.validEnable[name] {
					return &OptionError{Option: name, Valid: o.validNames()}
				}
			default:
				if !o.validDisable[name] {
					return &OptionError{Option: name, Valid: o.validNames()}
				}
			}
		}
	}
	for name, state := range states {
		switch {
		case state == nil:
			delete(o.enabled, name)
			delete(o.disabled, name)
		case *state:
			o.enabled[name] = true
			delete(o.disabled, name)
		default:
			o.disabled[name] = true
			delete(o.enabled, name)
		}
	}
	return nil
}

// APITokens yields the wire form: enabled names first, then disabled names
// prefixed with "!". Order within each group is sorted for stable encoding.
func (o *OptionSet) APITokens() []string {
	tokens := make([]string, 0, len(o.enabled)+len(o.disabled))
	for name := range o.enabled {
		tokens = append(tokens, name)
	}
	sort.Strings(tokens)
	off := make([]string, 0, len(o.disabled))
	for name := range o.disabled {
		off = append(off, "!"+name)
	}
	sort.Strings(off)
	return append(tokens, off...)
}

// Len reports how many names are set in either state.
func (o *OptionSet) Len() int {
	return len(o.enabled) + len(o.disabled)
}
