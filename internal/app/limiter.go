package app

// Тяжелые операции (графики, декодирование изображений) не больше
// heavySlots разом: рендер PNG на чарте ест память заметными кусками.
const heavySlots = 2

var heavyLimiter = make(chan struct{}, heavySlots)

func runHeavy(name string, fn func()) {
	safeGo(name, func() {
		heavyLimiter <- struct{}{}
		defer func() { <-heavyLimiter }()
		fn()
	})
}
