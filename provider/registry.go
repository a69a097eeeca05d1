package provider

import "errors"

// ErrUnknownProvider is returned when a chain names a provider id with
// no registered implementation. This is a config error, fatal at startup.
var ErrUnknownProvider = errors.New("unsupported provider id")

// Registry maps chain slot ids to live provider implementations.
type Registry map[ID]Provider

// Get resolves an id, failing closed on unknown ids.
func (r Registry) Get(id ID) (Provider, error) {
	p, ok := r[id]
	if !ok || p == nil {
		return nil, ErrUnknownProvider
	}
	return p, nil
}
