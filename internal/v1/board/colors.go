package board

import "container/list"

// DefaultColors is the deterministic palette handed out to new character
// tokens, in assignment order.
var DefaultColors = []RGB{
	{R: 230, G: 25, B: 75},
	{R: 60, G: 180, B: 75},
	{R: 255, G: 225, B: 25},
	{R: 0, G: 130, B: 200},
	{R: 245, G: 130, B: 48},
	{R: 145, G: 30, B: 180},
	{R: 70, G: 240, B: 240},
	{R: 240, G: 50, B: 230},
	{R: 210, G: 245, B: 60},
	{R: 250, G: 190, B: 212},
	{R: 0, G: 128, B: 128},
	{R: 220, G: 190, B: 255},
}

// colorPool hands out colors first-available and recycles released colors
// to the tail, so repeated churn doesn't favor any single color. Backed by
// container/list rather than a slice so pop-front (take) and push-back
// (release) are O(1) instead of the linear-scan that a slice "find and remove" would
// require.
type colorPool struct {
	available *list.List
}

func newColorPool(palette []RGB) *colorPool {
	l := list.New()
	for _, c := range palette {
		l.PushBack(c)
	}
	return &colorPool{available: l}
}

// take pops the front color, or returns ok=false if the pool is exhausted.
func (p *colorPool) take() (RGB, bool) {
	front := p.available.Front()
	if front == nil {
		return RGB{}, false
	}
	p.available.Remove(front)
	return front.Value.(RGB), true
}

// release pushes a color back to the tail for future assignment.
func (p *colorPool) release(c RGB) {
	p.available.PushBack(c)
}

// takeSpecific removes c from the available pool if present, used when
// rebuilding a room from a snapshot whose tokens already carry colors
// assigned by a previous holder of the room.
func (p *colorPool) takeSpecific(c RGB) {
	for e := p.available.Front(); e != nil; e = e.Next() {
		if e.Value.(RGB) == c {
			p.available.Remove(e)
			return
		}
	}
}
