// Copyright 2024 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

/*
Test ports. Tests that start real servers need listen addresses that don't collide across parallel tests.
Binding port 0 and closing the listener again leaves a race where another test grabs the port first, so
instead AddressWithPort binds port 0 and keeps the listener open, and Listen hands that same listener to the
server when test ports are enabled. In production (test ports not enabled) Listen is a plain net.Listen.
*/

func AddressWithPort(host string) (string, error) {
	return registry.addressWithPort(host)
}

func Listen(network, address string) (net.Listener, error) {
	if network != "tcp" {
		panic("network must be tcp")
	}
	return registry.listen(address)
}

func EnableTestPorts() {
	registry.enabled.Store(true)
}

var registry = &portRegistry{listeners: map[string]net.Listener{}}

type portRegistry struct {
	enabled   atomic.Bool
	lock      sync.Mutex
	listeners map[string]net.Listener
}

func (r *portRegistry) listen(address string) (net.Listener, error) {
	if !r.enabled.Load() {
		return net.Listen("tcp", address)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	listener, ok := r.listeners[address]
	if !ok {
		return nil, errors.Errorf("test ports is enabled and there is no registered listener for address %s", address)
	}
	return listener, nil
}

func (r *portRegistry) addressWithPort(host string) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:0", host))
	if err != nil {
		return "", err
	}
	address := listener.Addr().String()
	r.lock.Lock()
	defer r.lock.Unlock()
	r.listeners[address] = &registeredListener{Listener: listener, registry: r, address: address}
	return address, nil
}

func (r *portRegistry) remove(address string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.listeners, address)
}

// registeredListener deregisters itself on close so the address can be bound again.
type registeredListener struct {
	net.Listener
	registry *portRegistry
	address  string
}

func (l *registeredListener) Close() error {
	l.registry.remove(l.address)
	return l.Listener.Close()
}
