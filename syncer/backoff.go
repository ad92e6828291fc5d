package syncer

import "time"

// Backoff 有上限的倍增退避：成功后 Reset，组件销毁即不再调度。
// 两条同步通道统一使用，不再各写一套定时器链。
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 15 * time.Second
	}
	return &Backoff{Base: base, Max: max}
}

// Next 返回下一次重试的等待时长并递增计数
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) Attempts() int {
	return b.attempt
}
