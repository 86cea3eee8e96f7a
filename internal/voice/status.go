package voice

// Statuses holds the user-visible status line for each state.
type Statuses struct {
	Idle       string `yaml:"idle"`
	Connecting string `yaml:"connecting"`
	Active     string `yaml:"active"`
	Error      string `yaml:"error"`
	Ended      string `yaml:"ended"`

	// Microphone replaces Error when the session failed because the
	// microphone could not be opened.
	Microphone string `yaml:"microphone"`
}

// DefaultStatuses returns the stock Arabic status lines.
func DefaultStatuses() Statuses {
	return Statuses{
		Idle:       "المستشارة جاهزة للرد...",
		Connecting: "جاري الربط مع سارة...",
		Active:     "سارة تسمعك الآن.. أرحبوا",
		Error:      "حدث خطأ فني",
		Ended:      "انتهت الجلسة",
		Microphone: "تعذر الوصول للميكروفون",
	}
}

// WithDefaults fills every empty line from DefaultStatuses.
func (s Statuses) WithDefaults() Statuses {
	d := DefaultStatuses()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.Idle, d.Idle)
	fill(&s.Connecting, d.Connecting)
	fill(&s.Active, d.Active)
	fill(&s.Error, d.Error)
	fill(&s.Ended, d.Ended)
	fill(&s.Microphone, d.Microphone)
	return s
}

// For returns the status line for st.
func (s Statuses) For(st State) string {
	switch st {
	case Connecting:
		return s.Connecting
	case Active:
		return s.Active
	case Error:
		return s.Error
	case Ended:
		return s.Ended
	default:
		return s.Idle
	}
}
