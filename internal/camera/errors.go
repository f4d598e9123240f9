package camera

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for telemetry.
type ErrorCategory int

const (
	ErrCategoryDevice ErrorCategory = iota
	ErrCategoryNetwork
	ErrCategoryCodec
	ErrCategoryAuth
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	// Checked in order: permission problems often mention the device too.
	{ErrCategoryAuth, []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials", "permission denied"}},
	{ErrCategoryDevice, []string{"v4l2", "/dev/video", "device", "busy", "no such file", "cannot identify"}},
	{ErrCategoryCodec, []string{"codec", "decode", "format", "negotiation", "not negotiated", "caps", "h264", "mjpeg", "jpeg", "missing plugin", "no decoder"}},
	{ErrCategoryNetwork, []string{"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "tcp", "udp", "rtsp", "could not connect"}},
}

// ClassifyGStreamerError categorises a bus error.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

func classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
