package config

import (
	"fmt"
	"slices"
	"time"
)

// Section is one level of a decoded configuration tree.
type Section map[string]any

// New wraps a decoded map. A nil map yields an empty Section.
func New(data map[string]any) Section {
	if data == nil {
		return Section{}
	}
	return Section(data)
}

// Sub returns the nested section under key. Missing keys and scalar
// values yield an empty Section; yaml.v2 style map[any]any is accepted
// because viper hands those through unchanged.
func (s Section) Sub(key string) Section {
	switch val := s[key].(type) {
	case map[string]any:
		return New(val)
	case Section:
		return val
	case map[any]any:
		m := make(Section, len(val))
		for k, v := range val {
			m[fmt.Sprint(k)] = v
		}
		return m
	}
	return Section{}
}

// Names returns the keys of s in sorted order.
func (s Section) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Duration reads key as a duration. Strings use time.ParseDuration and
// bare numbers are seconds, so "90s", 90 and 90.0 are equivalent. ok is
// false when the key is absent.
func (s Section) Duration(key string) (d time.Duration, ok bool, err error) {
	v, present := s[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch val := v.(type) {
	case string:
		d, err = time.ParseDuration(val)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
	case time.Duration:
		d = val
	case int:
		d = time.Duration(val) * time.Second
	case int64:
		d = time.Duration(val) * time.Second
	case float64:
		d = time.Duration(val * float64(time.Second))
	default:
		return 0, false, fmt.Errorf("%s: unsupported duration value %T", key, v)
	}
	return d, true, nil
}
