package dispatch

import "strings"

// Replies holds the locally produced reply texts. Templates may use {greeting} and {bot}.
type Replies struct {
	BotName        string
	Morning        string
	Afternoon      string
	Evening        string
	Welcome        string
	Farewell       string
	NoAnswer       string
	BackendFailure string
}

func DefaultReplies() Replies {
	return Replies{
		BotName:        "Bojja's Resort Bot",
		Morning:        "🌅 Good Morning",
		Afternoon:      "☀️ Good Afternoon",
		Evening:        "🌇 Good Evening",
		Welcome:        "{greeting}! 👋\nWelcome to {bot} 🏨🤖\nHow can I assist you today?",
		Farewell:       "👋 Thank you for chatting with {bot}. Have a great stay!",
		NoAnswer:       "🤖 No reply from bot.",
		BackendFailure: "❌ Bot is facing issues. Please try again later.",
	}
}

// WithDefaults fills empty texts from DefaultReplies.
func (r Replies) WithDefaults() Replies {
	def := DefaultReplies()
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	fill(&r.BotName, def.BotName)
	fill(&r.Morning, def.Morning)
	fill(&r.Afternoon, def.Afternoon)
	fill(&r.Evening, def.Evening)
	fill(&r.Welcome, def.Welcome)
	fill(&r.Farewell, def.Farewell)
	fill(&r.NoAnswer, def.NoAnswer)
	fill(&r.BackendFailure, def.BackendFailure)
	return r
}

// Greeting returns the time-of-day salutation for hour (0-23, local time).
func (r Replies) Greeting(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return r.Morning
	case hour >= 12 && hour < 17:
		return r.Afternoon
	default:
		return r.Evening
	}
}

func (r Replies) WelcomeText(hour int) string {
	return r.render(r.Welcome, r.Greeting(hour))
}

func (r Replies) FarewellText() string {
	return r.render(r.Farewell, "")
}

func (r Replies) render(tmpl, greeting string) string {
	return strings.NewReplacer("{greeting}", greeting, "{bot}", r.BotName).Replace(tmpl)
}
