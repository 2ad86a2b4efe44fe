// Package fanout 引擎事件分发：撮合线程只向队列投递，
// 单独的分发协程按序调用各消费方，避免消费方回调引擎时死锁。
package fanout

import (
	"github.com/exchange/spot/internal/engine"
)

const defaultQueueSize = 8192

// Fanout 事件分发器
type Fanout struct {
	handlers []func(engine.Event)
	queue    chan engine.Event
	done     chan struct{}
}

// New 创建分发器，事件按注册顺序依次交给各 handler
func New(queueSize int, handlers ...func(engine.Event)) *Fanout {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Fanout{
		handlers: handlers,
		queue:    make(chan engine.Event, queueSize),
		done:     make(chan struct{}),
	}
}

// OnEvent 引擎事件回调。队列满时阻塞，对撮合形成背压。
func (f *Fanout) OnEvent(ev engine.Event) {
	f.queue <- ev
}

// Start 启动分发协程
func (f *Fanout) Start() {
	go f.run()
}

// Close 停止接收并等待队列排空
func (f *Fanout) Close() {
	close(f.queue)
	<-f.done
}

func (f *Fanout) run() {
	defer close(f.done)
	for ev := range f.queue {
		for _, h := range f.handlers {
			h(ev)
		}
	}
}
