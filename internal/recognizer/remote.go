package recognizer

import (
	"context"

	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/clients"
	"github.com/MonsieurNam/handwriting-recognition/internal/vision"
)

// Remote forwards crops to a recognition model server.
type Remote struct {
	client *clients.VisionClient
}

// NewRemote wraps client as a recognizer named after the server.
func NewRemote(client *clients.VisionClient) *Remote {
	return &Remote{client: client}
}

func (r *Remote) Name() string { return r.client.Name() }

// RecognizeText sends the crop with the field hint carried by ctx.
func (r *Remote) RecognizeText(ctx context.Context, img gocv.Mat) (string, float64, error) {
	if vision.IsEmpty(img) {
		return "", 0, nil
	}
	png, err := vision.EncodePNG(img)
	if err != nil {
		return "", 0, err
	}

	hint, _ := FieldHintFrom(ctx)
	data, err := r.client.RecognizePNG(ctx, png, "text", hint.Field, hint.Handwritten)
	if err != nil {
		return "", 0, err
	}
	return data.Text, data.Confidence, nil
}
