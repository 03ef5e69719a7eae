package feed

import "sync"

// Feed is a typed broadcast channel. Each subscription owns a buffered
// channel of size one; a send that finds a subscriber's buffer full drops the
// value for that subscriber unless the subscription was created with
// SubscribeKeepLast, in which case the stale value is replaced. Slow
// subscribers therefore never stall the sender.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

type Subscription[T any] struct {
	feed     *Feed[T]
	ch       chan T
	keepLast bool
	once     sync.Once
}

func New[T any]() *Feed[T] {
	return &Feed[T]{
		subs: make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers a subscriber that may miss values while it is not
// receiving.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	return f.subscribe(false)
}

// SubscribeKeepLast registers a subscriber that always observes the most
// recent value, replacing any value it has not consumed yet.
func (f *Feed[T]) SubscribeKeepLast() *Subscription[T] {
	return f.subscribe(true)
}

func (f *Feed[T]) subscribe(keepLast bool) *Subscription[T] {
	sub := &Subscription[T]{
		feed:     f,
		ch:       make(chan T, 1),
		keepLast: keepLast,
	}
	f.mu.Lock()
	if !f.closed {
		f.subs[sub] = struct{}{}
	} else {
		close(sub.ch)
	}
	f.mu.Unlock()
	return sub
}

// Send delivers v to every subscriber without blocking.
func (f *Feed[T]) Send(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for sub := range f.subs {
		select {
		case sub.ch <- v:
		default:
			if sub.keepLast {
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- v:
				default:
				}
			}
		}
	}
}

// Tear closes the feed and every subscription channel.
func (f *Feed[T]) Tear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

func (s *Subscription[T]) Recv() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		if _, ok := s.feed.subs[s]; ok {
			delete(s.feed.subs, s)
			close(s.ch)
		}
		s.feed.mu.Unlock()
	})
}
