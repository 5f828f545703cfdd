package engine

import "fmt"

// Surface is the container a headless instance renders into.
// A zero width or height means no rendering context can be created.
type Surface struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s Surface) ContainerID() string { return s.ID }

func (s Surface) hasContext() bool { return s.Width > 0 && s.Height > 0 }

func (s Surface) String() string { return fmt.Sprintf("%s (%dx%d)", s.ID, s.Width, s.Height) }
