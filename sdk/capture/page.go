package capture

import "sync"

// Page is a host-side source of navigation and click activity for applications
// that have no native hook of their own. Hosts call Navigate and Click; the
// installed trackers observe them.
type Page struct {
	mu         sync.Mutex
	url        string
	navigation NavigationHook
	click      ClickHook
}

func NewPage(initialURL string) *Page {
	return &Page{url: initialURL}
}

func (p *Page) CurrentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) SetNavigationHook(hook NavigationHook) NavigationHook {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous := p.navigation
	p.navigation = hook
	return previous
}

func (p *Page) SetClickHook(hook ClickHook) ClickHook {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous := p.click
	p.click = hook
	return previous
}

func (p *Page) Navigate(url string) {
	p.mu.Lock()
	referrer := p.url
	p.url = url
	hook := p.navigation
	p.mu.Unlock()

	if hook != nil {
		hook(url, referrer)
	}
}

func (p *Page) Click(target ClickTarget) {
	p.mu.Lock()
	hook := p.click
	p.mu.Unlock()

	if hook != nil {
		hook(target)
	}
}
