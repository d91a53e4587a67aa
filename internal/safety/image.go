package safety

import (
	"bytes"
	"context"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/resilience"
)

const minImageSize = 100

// imageFormat returns the detected format or "" when the header is unknown
func imageFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8}):
		return "jpeg"
	case bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47}):
		return "png"
	case bytes.HasPrefix(data, []byte("GIF")):
		return "gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	}
	return ""
}

// CheckImage validates an uploaded image and classifies it remotely when possible
func (c *Classifier) CheckImage(ctx context.Context, data []byte) Verdict {
	if len(data) < minImageSize {
		return Verdict{Safe: false, ReasonCode: models.ReasonOther, Reason: "Image file corrupted or invalid.", Confidence: 1}
	}
	if imageFormat(data) == "" {
		return Verdict{Safe: false, ReasonCode: models.ReasonOther, Reason: "Image format not supported.", Confidence: 1}
	}

	fallback := Verdict{Safe: true, Confidence: 0.5}
	if c.remote == nil {
		return fallback
	}

	result, err := resilience.Call(ctx, c.breaker, func(ctx context.Context) (*RemoteResult, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.ImageTimeout)
		defer cancel()
		return c.remote.ClassifyImage(ctx, data)
	})
	if err != nil {
		logrus.Debugf("Remote image classification unavailable, format validation only: %v", err)
		return fallback
	}

	v := fromRemote(result)
	if !v.Safe && v.Reason == "" {
		v.Reason = "Image flagged by automated safety analysis."
	}
	return v
}
