package gstpipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinyzimmer/go-gst/gst"

	"edge-recorder/config"
)

// fragmentPattern is the splitmuxsink location template inside the recording
// directory.
const fragmentPattern = "%05d.mp4"

// Probe builds and discards a pipeline from the configured elements without
// starting it. It fails when the source, encoder or muxer plugins are not
// installed, so the agent can refuse to come up instead of failing on the
// first recording.
func Probe(cfg config.Pipeline) error {
	pipeline, err := buildPipeline(cfg, os.TempDir())
	if err != nil {
		return err
	}
	return pipeline.SetState(gst.StateNull)
}

// buildPipeline constructs the segmented capture graph:
//
//	source → capsfilter → videoconvert → encoder → h264parse → splitmuxsink
//
// The pipeline is configured but not started (state stays NULL); the caller
// drives state changes.
func buildPipeline(cfg config.Pipeline, recordingDir string) (*gst.Pipeline, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	source, err := gst.NewElement(cfg.VideoSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create source %q: %w", cfg.VideoSource, err)
	}
	if cfg.VideoSource == "videotestsrc" {
		source.SetProperty("is-live", true)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		cfg.PixelFormat, cfg.Width, cfg.Height, cfg.Framerate)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

	encoder, err := gst.NewElement(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder %q: %w", cfg.Codec, err)
	}
	if cfg.Codec == "x264enc" {
		encoder.SetProperty("tune", "zerolatency")
		encoder.SetProperty("speed-preset", "ultrafast")
		// Keyframe at least every 2s so splitmuxsink can honor the requested
		// fragment duration.
		encoder.SetProperty("key-int-max", uint(cfg.Framerate*2))
	}

	parser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("failed to create h264parse: %w", err)
	}

	sink, err := gst.NewElement("splitmuxsink")
	if err != nil {
		return nil, fmt.Errorf("failed to create splitmuxsink: %w", err)
	}
	sink.SetProperty("location", filepath.Join(recordingDir, fragmentPattern))
	sink.SetProperty("muxer-factory", "mp4mux")
	sink.SetProperty("max-size-time", uint64(cfg.FragmentDuration.Nanoseconds()))
	if cfg.MaxFragmentBytes > 0 {
		sink.SetProperty("max-size-bytes", uint64(cfg.MaxFragmentBytes))
	}
	sink.SetProperty("send-keyframe-requests", true)

	pipeline.AddMany(source, capsfilter, converter, encoder, parser, sink)

	if err := gst.ElementLinkMany(source, capsfilter, converter, encoder, parser, sink); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	return pipeline, nil
}
