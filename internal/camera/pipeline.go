package camera

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineElements holds the parts of a running pipeline that are touched
// after construction.
type pipelineElements struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
}

// buildPipeline creates, but does not start, a capture pipeline.
//
// Device:
//
//	v4l2src -> videoconvert -> videoscale -> videorate -> capsfilter -> appsink
//
// Network (RTSP, H.264):
//
//	rtspsrc ~> rtph264depay -> avdec_h264 -> videoconvert -> videoscale ->
//	videorate -> capsfilter -> appsink
//
// rtspsrc pads appear at runtime and are linked in the pad-added callback.
func buildPipeline(cfg Config) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	var head []*gst.Element
	var rtspsrc, depay *gst.Element

	if cfg.URL != "" {
		rtspsrc, err = gst.NewElement("rtspsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
		}
		rtspsrc.SetProperty("location", cfg.URL)
		rtspsrc.SetProperty("protocols", 4) // TCP only
		rtspsrc.SetProperty("latency", 200)

		depay, err = gst.NewElement("rtph264depay")
		if err != nil {
			return nil, fmt.Errorf("failed to create rtph264depay: %w", err)
		}
		depay.SetProperty("request-keyframe", true)

		decoder, err := gst.NewElement("avdec_h264")
		if err != nil {
			return nil, fmt.Errorf("failed to create avdec_h264: %w", err)
		}
		decoder.SetProperty("max-threads", 0)
		head = []*gst.Element{depay, decoder}
	} else {
		src, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", cfg.Device)
		head = []*gst.Element{src}
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	chain := append(head, converter, scaler, videorate, capsfilter, appsink.Element)
	all := chain
	if rtspsrc != nil {
		all = append([]*gst.Element{rtspsrc}, chain...)
	}

	if err := pipeline.AddMany(all...); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	if rtspsrc != nil {
		rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			onPadAdded(srcPad, depay)
		})
	}

	slog.Debug("camera: pipeline created",
		"source", cfg.sourceName(),
		"caps", buildCaps(cfg.Width, cfg.Height, cfg.FPS),
	)

	return &pipelineElements{pipeline: pipeline, appsink: appsink}, nil
}

func onPadAdded(srcPad *gst.Pad, sink *gst.Element) {
	sinkPad := sink.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("camera: failed to get sink pad from depayloader")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("camera: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("camera: pads linked", "src_pad", srcPad.GetName())
}

func destroyPipeline(e *pipelineElements) error {
	if e == nil || e.pipeline == nil {
		return nil
	}
	if err := e.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps returns the RGB caps with a framerate constraint. Fractional
// rates below 1 fps are expressed as 1/N.
func buildCaps(width, height int, fps float64) string {
	num, den := 1, 1
	if fps < 1.0 {
		den = int(1.0/fps + 0.5)
	} else {
		num = int(fps + 0.5)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}

// checkGStreamerAvailable fails fast when GStreamer cannot create elements.
func checkGStreamerAvailable() error {
	gst.Init(nil)
	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
