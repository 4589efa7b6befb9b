// Package clock 抽象定时器, 让 flush 节拍与重连退避可以在测试中确定性推进。
//
//   - Real: 基于 time.AfterFunc / time.Ticker
//   - Fake: 手动 Advance, 回调在调用 Advance 的 goroutine 中同步执行
package clock

import (
	"sync"
	"time"
)

// Timer 可取消的定时任务。Stop 返回 true 表示本次调用真正取消了任务。
type Timer interface {
	Stop() bool
}

// Clock 时间源 + 调度器。
type Clock interface {
	Now() time.Time
	// AfterFunc d 之后执行一次 f。
	AfterFunc(d time.Duration, f func()) Timer
	// Every 每隔 d 执行一次 f, 直到 Stop。
	Every(d time.Duration, f func()) Timer
}

// Real 真实时钟。
type Real struct{}

// Now 返回当前时间。
func (Real) Now() time.Time { return time.Now() }

// AfterFunc 包装 time.AfterFunc。
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Every 启动 ticker goroutine。Stop 后不再触发新的回调, 但正在执行的回调不会被打断。
func (Real) Every(d time.Duration, f func()) Timer {
	t := &realTicker{stop: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				select {
				case <-t.stop:
					return
				default:
				}
				f()
			}
		}
	}()
	return t
}

type realTicker struct {
	once sync.Once
	stop chan struct{}
}

func (t *realTicker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		close(t.stop)
		stopped = true
	})
	return stopped
}

// ========================================
// Fake
// ========================================

// Fake 手动推进的时钟。
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	id      int
	at      time.Time
	period  time.Duration
	fn      func()
	stopped bool
}

// NewFake 创建起始于 start 的 Fake 时钟。
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 返回当前虚拟时间。
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc 注册一次性任务。
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.add(d, 0, fn)
}

// Every 注册周期任务。
func (f *Fake) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Nanosecond
	}
	return f.add(d, d, fn)
}

func (f *Fake) add(d, period time.Duration, fn func()) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, id: f.seq, at: f.now.Add(d), period: period, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance 推进虚拟时间, 按到期时间 (同时到期按注册顺序) 依次执行回调。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.at
		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			next.stopped = true
		}
		fn := next.fn
		f.compactLocked()
		f.mu.Unlock()

		fn()
	}
}

// Pending 返回仍处于活动状态的任务数。
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range f.timers {
		if t.stopped || t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.id < next.id) {
			next = t
		}
	}
	return next
}

func (f *Fake) compactLocked() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	f.timers = live
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.clock.compactLocked()
	return true
}
