package candles

import (
	"time"
	_ "time/tzdata"
)

// US equity session boundaries in minutes after Eastern midnight.
const (
	preOpen      = 4 * 60
	regularOpen  = 9*60 + 30
	regularClose = 16 * 60
	postClose    = 20 * 60
)

// SessionClock tags bucket starts with the US trading session.
type SessionClock struct {
	loc *time.Location
}

// NewSessionClock loads America/New_York from the embedded tz database.
func NewSessionClock() (*SessionClock, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &SessionClock{loc: loc}, nil
}

// Session returns the session name for ts and whether it is extended hours.
func (c *SessionClock) Session(ts time.Time) (string, bool) {
	et := ts.In(c.loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return "off", false
	}
	minutes := et.Hour()*60 + et.Minute()
	switch {
	case minutes < preOpen || minutes >= postClose:
		return "off", false
	case minutes < regularOpen:
		return "pre", true
	case minutes < regularClose:
		return "regular", false
	default:
		return "post", true
	}
}
