package chatsync

// PageMode is the pagination state of a surface.
type PageMode int

const (
	// ModeNormal shows the newest page; older pages load on scroll up.
	ModeNormal PageMode = iota
	// ModeContext shows a window around a jumped-to message with
	// independent older and newer cursors.
	ModeContext
)

func (m PageMode) String() string {
	if m == ModeContext {
		return "context"
	}
	return "normal"
}

// Synchronizer tracks how much history a runtime has loaded.
type Synchronizer struct {
	Mode         PageMode
	OlderCursor  string
	HasMoreOlder bool
	NewerCursor  string
	HasMoreNewer bool
	Loaded       bool

	loadingOlder bool
	loadingNewer bool
}

func newSynchronizer() *Synchronizer {
	return &Synchronizer{}
}

// enterNormal resets to the newest page.
func (s *Synchronizer) enterNormal(p *Page) {
	s.Mode = ModeNormal
	s.OlderCursor = p.OlderCursor
	s.HasMoreOlder = p.HasMoreOlder
	s.NewerCursor = ""
	s.HasMoreNewer = false
	s.Loaded = true
}

// enterContext installs a context window. It reports whether the window
// already reaches the newest message, in which case the mode is normal.
func (s *Synchronizer) enterContext(p *Page) bool {
	s.OlderCursor = p.OlderCursor
	s.HasMoreOlder = p.HasMoreOlder
	s.NewerCursor = p.NewerCursor
	s.HasMoreNewer = p.HasMoreNewer
	s.Loaded = true
	if !p.HasMoreNewer {
		s.Mode = ModeNormal
		s.NewerCursor = ""
		return true
	}
	s.Mode = ModeContext
	return false
}

// advanceOlder moves the older cursor after a successful page.
func (s *Synchronizer) advanceOlder(p *Page) {
	s.OlderCursor = p.OlderCursor
	s.HasMoreOlder = p.HasMoreOlder
}

// advanceNewer moves the newer cursor and reports whether the newest
// message was reached.
func (s *Synchronizer) advanceNewer(p *Page) bool {
	s.NewerCursor = p.NewerCursor
	s.HasMoreNewer = p.HasMoreNewer
	if !p.HasMoreNewer {
		s.Mode = ModeNormal
		s.NewerCursor = ""
		return true
	}
	return false
}

// detachedFromNewest reports whether live messages must not be appended
// because the window does not reach the newest end.
func (s *Synchronizer) detachedFromNewest() bool {
	return s.Mode == ModeContext && s.HasMoreNewer
}
