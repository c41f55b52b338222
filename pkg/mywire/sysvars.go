package mywire

import "iter"

// SystemVariables tracks the session system variables the server has
// reported through the session-state tracker. Insertion order is preserved:
// replaying the variables onto a fresh connection must apply them in the
// order the server first announced them.
//
// A missing variable and a variable whose last reported value is NULL are
// different states; Lookup tells them apart.
type SystemVariables struct {
	keys   []string
	values map[string]Value
}

// Set inserts or updates a variable. Updating keeps the variable's original
// position.
func (s *SystemVariables) Set(name string, v Value) {
	if s.values == nil {
		s.values = make(map[string]Value)
	}
	if _, ok := s.values[name]; !ok {
		s.keys = append(s.keys, name)
	}
	s.values[name] = v
}

// Get returns the last reported value, or NULL if the variable was never
// reported.
func (s *SystemVariables) Get(name string) Value {
	return s.values[name]
}

// Lookup returns the last reported value and whether the variable was ever
// reported.
func (s *SystemVariables) Lookup(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Len returns the number of tracked variables.
func (s *SystemVariables) Len() int {
	return len(s.keys)
}

// All iterates over the variables in insertion order.
func (s *SystemVariables) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		for _, k := range s.keys {
			if !yield(k, s.values[k]) {
				return
			}
		}
	}
}
