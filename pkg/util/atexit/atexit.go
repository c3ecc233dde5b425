// Package atexit runs cleanup callbacks when the process is interrupted.
package atexit

import (
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
)

var (
	mu        sync.Mutex
	callbacks = map[int]func(){}
	nextID    int

	once       sync.Once
	signalChan = make(chan os.Signal, 1)

	exit = os.Exit
)

func initSignalHandler() {
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		run()
		code := 1
		if s, ok := sig.(syscall.Signal); ok {
			code = 128 + int(s)
		}
		exit(code)
	}()
}

// Register arranges for cb to run if the process receives SIGINT or SIGTERM.
// The returned function unregisters cb; it is safe to call more than once.
func Register(cb func()) (unregister func()) {
	once.Do(initSignalHandler)

	mu.Lock()
	id := nextID
	nextID++
	callbacks[id] = cb
	mu.Unlock()

	return func() {
		mu.Lock()
		delete(callbacks, id)
		mu.Unlock()
	}
}

// run invokes the registered callbacks, newest first, and forgets them.
func run() {
	mu.Lock()
	ids := make([]int, 0, len(callbacks))
	for id := range callbacks {
		ids = append(ids, id)
	}
	cbs := callbacks
	callbacks = map[int]func(){}
	mu.Unlock()

	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	for _, id := range ids {
		cbs[id]()
	}
}
