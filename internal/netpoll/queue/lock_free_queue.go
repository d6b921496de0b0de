// Package queue delivers an implementation of lock-free concurrent queue
// based on the algorithm presented by Maged M. Michael and Michael L. Scot.
package queue

import (
	"sync/atomic"
	"unsafe"
)

type lockFreeQueue struct {
	head   unsafe.Pointer
	tail   unsafe.Pointer
	length int32
}

type node struct {
	value Task
	next  unsafe.Pointer
}

// NewLockFreeQueue instantiates and returns a lock-free queue.
func NewLockFreeQueue() AsyncTaskQueue {
	n := unsafe.Pointer(&node{})
	return &lockFreeQueue{head: n, tail: n}
}

func (q *lockFreeQueue) Enqueue(task Task) {
	n := &node{value: task}
	for {
		tail := load(&q.tail)
		next := load(&tail.next)
		if tail == load(&q.tail) {
			if next == nil {
				if cas(&tail.next, next, n) {
					cas(&q.tail, tail, n) // enqueue is done, try to swing tail to the inserted node
					atomic.AddInt32(&q.length, 1)
					return
				}
			} else { // tail was not pointing to the last node, try to swing tail to the next node
				cas(&q.tail, tail, next)
			}
		}
	}
}

func (q *lockFreeQueue) Dequeue() Task {
	for {
		head := load(&q.head)
		tail := load(&q.tail)
		next := load(&head.next)
		if head == load(&q.head) {
			if head == tail {
				if next == nil {
					return nil
				}
				cas(&q.tail, tail, next)
			} else {
				task := next.value
				if cas(&q.head, head, next) {
					atomic.AddInt32(&q.length, -1)
					return task
				}
			}
		}
	}
}

// Empty indicates whether this queue is empty or not.
func (q *lockFreeQueue) Empty() bool {
	return atomic.LoadInt32(&q.length) == 0
}

func load(p *unsafe.Pointer) *node {
	return (*node)(atomic.LoadPointer(p))
}

func cas(p *unsafe.Pointer, old, new *node) bool {
	return atomic.CompareAndSwapPointer(p, unsafe.Pointer(old), unsafe.Pointer(new))
}
