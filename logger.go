package tsreplay

import "github.com/asticode/go-astikit"

// A global logger is used because the pacing loop, the handoff queue and the
// checkpoint backends all need to log from places that don't otherwise take
// a logger argument (pure functions, the ring buffer's hot path). Swap it
// with SetLogger before starting an engine.
var logger = astikit.AdaptStdLogger(nil)

func SetLogger(l astikit.StdLogger) { logger = astikit.AdaptStdLogger(l) }
