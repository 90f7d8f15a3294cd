// Package web serves the overlay to browser viewers over a websocket and exposes pipeline status.
package web

import (
	"bytes"
	"encoding/json"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/overlay"
)

const (
	messageRender = "render"
	messageClear  = "clear"
)

// PatchMessage is one pixelated region as sent to viewers. Coordinates are in view pixels; PNG
// holds only the region's content, which the viewer stretches over the bounds.
type PatchMessage struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Opacity uint8   `json:"opacity"`
	PNG     []byte  `json:"png"`
}

// Message is what viewers receive.
type Message struct {
	Type    string         `json:"type"`
	Width   int            `json:"width"`
	Height  int            `json:"height"`
	Patches []PatchMessage `json:"patches,omitempty"`
}

// Surface is an overlay.Surface that broadcasts patches to the viewers of a Hub.
type Surface struct {
	width, height int
	hub           *Hub
	logger        logging.Logger
	buf           bytes.Buffer
}

var _ overlay.Surface = (*Surface)(nil)

// NewSurface returns a surface of the given view size.
func NewSurface(width, height int, hub *Hub, logger logging.Logger) *Surface {
	return &Surface{width: width, height: height, hub: hub, logger: logger}
}

// Size returns the view size.
func (s *Surface) Size() (int, int) {
	return s.width, s.height
}

// Render encodes the patches and broadcasts them. Nothing is encoded while no one is watching.
func (s *Surface) Render(patches []overlay.Patch) error {
	if s.hub.Viewers() == 0 {
		s.hub.Forget()
		return nil
	}
	msg := Message{
		Type:    messageRender,
		Width:   s.width,
		Height:  s.height,
		Patches: make([]PatchMessage, 0, len(patches)),
	}
	for i, p := range patches {
		s.buf.Reset()
		if err := imaging.Encode(&s.buf, p.Buffer.SubImage(p.Content), imaging.PNG,
			imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
			return errors.Wrapf(err, "encoding patch %d", i)
		}
		msg.Patches = append(msg.Patches, PatchMessage{
			X:       p.Bounds.X.Lo,
			Y:       p.Bounds.Y.Lo,
			Width:   p.Bounds.X.Length(),
			Height:  p.Bounds.Y.Length(),
			Opacity: p.Opacity,
			PNG:     bytes.Clone(s.buf.Bytes()),
		})
	}
	return s.send(msg)
}

// Clear tells viewers to remove every patch.
func (s *Surface) Clear() error {
	return s.send(Message{Type: messageClear, Width: s.width, Height: s.height})
}

func (s *Surface) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding overlay message")
	}
	s.hub.Broadcast(data)
	return nil
}
