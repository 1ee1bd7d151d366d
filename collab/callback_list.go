package collab

import (
	"sync"

	"github.com/golang/glog"
)

// makes a copy of the list for callers so that callbacks can be invoked
// without holding the lock

type callbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	ids       []int
	callbacks []T
}

func (self *callbackList[T]) add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextId += 1
	id := self.nextId
	self.ids = append(self.ids, id)
	self.callbacks = append(self.callbacks, callback)
	return id
}

func (self *callbackList[T]) remove(id int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, callbackId := range self.ids {
		if callbackId == id {
			self.ids = append(self.ids[:i], self.ids[i+1:]...)
			self.callbacks = append(self.callbacks[:i], self.callbacks[i+1:]...)
			return
		}
	}
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	copy(callbacks, self.callbacks)
	return callbacks
}

func (self *callbackList[T]) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbacks)
}

// callbacks are wrapped to recover from errors so that one bad listener
// cannot take down the dispatch path
func safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[cb]callback panic = %v\n", r)
		}
	}()
	f()
}
