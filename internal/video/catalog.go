// Package video は動画生成 API の入口（作成・状態取得・成果物配信）を提供します。
package video

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultModel はモデル指定がない場合に使うモデルです。
	DefaultModel   = "sora-2"
	defaultSeconds = 4
	defaultSize    = "720x1280"
	landscapeSize  = "1280x720"
	maxDimension   = 4096
)

// Orientation は画面の向きです。空文字は自由指定を表します。
type Orientation string

const (
	OrientationAny       Orientation = ""
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
)

// Model はカタログ上のモデル定義です。固定バリアントは秒数と向きを固定します。
type Model struct {
	ID          string
	Base        string
	Seconds     int
	Orientation Orientation
}

// Fixed は秒数と向きが固定されたバリアントかを返します。
func (m Model) Fixed() bool {
	return m.Seconds > 0
}

var catalog = buildCatalog()

func buildCatalog() map[string]Model {
	out := map[string]Model{
		"sora-2":     {ID: "sora-2", Base: "sora-2"},
		"sora-2-pro": {ID: "sora-2-pro", Base: "sora-2-pro"},
	}
	variants := map[string][]int{
		"sora-2":     {10, 15},
		"sora-2-pro": {10, 15, 25},
	}
	for base, durations := range variants {
		for _, o := range []Orientation{OrientationLandscape, OrientationPortrait} {
			for _, sec := range durations {
				id := fmt.Sprintf("%s-%s-%ds", base, o, sec)
				out[id] = Model{ID: id, Base: base, Seconds: sec, Orientation: o}
			}
		}
	}
	return out
}

// LookupModel はモデル ID からカタログ定義を引きます。
func LookupModel(id string) (Model, bool) {
	m, ok := catalog[id]
	return m, ok
}

var sizePattern = regexp.MustCompile(`^(\d+)x(\d+)$`)

// parseSize は "WxH" 形式を検証し、幅と高さを返します。
func parseSize(s string) (int, int, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("size must be formatted as WIDTHxHEIGHT, got %q", s)
	}
	w, errW := strconv.Atoi(m[1])
	h, errH := strconv.Atoi(m[2])
	if errW != nil || errH != nil || w <= 0 || h <= 0 || w > maxDimension || h > maxDimension {
		return 0, 0, fmt.Errorf("size dimensions must be positive integers no larger than %d, got %q", maxDimension, s)
	}
	return w, h, nil
}

func orientationOf(w, h int) Orientation {
	if w > h {
		return OrientationLandscape
	}
	if h > w {
		return OrientationPortrait
	}
	return OrientationAny
}

type generationParams struct {
	model   Model
	seconds int
	size    string
}

// resolveParams はモデル・秒数・サイズを正規化し、固定バリアントとの矛盾を検出します。
func resolveParams(modelID, secondsRaw, sizeRaw string, maxSeconds int) (generationParams, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		modelID = DefaultModel
	}
	model, ok := LookupModel(modelID)
	if !ok {
		return generationParams{}, fmt.Errorf("model %q is not supported", modelID)
	}
	params := generationParams{model: model}

	secondsRaw = strings.TrimSpace(secondsRaw)
	switch {
	case secondsRaw == "" && model.Fixed():
		params.seconds = model.Seconds
	case secondsRaw == "":
		params.seconds = defaultSeconds
	default:
		sec, err := strconv.Atoi(secondsRaw)
		if err != nil {
			return generationParams{}, fmt.Errorf("seconds must be an integer, got %q", secondsRaw)
		}
		if sec <= 0 || sec > maxSeconds {
			return generationParams{}, fmt.Errorf("seconds must be between 1 and %d, got %d", maxSeconds, sec)
		}
		if model.Fixed() && sec != model.Seconds {
			return generationParams{}, fmt.Errorf("model %q always produces %d second videos, got seconds=%d", model.ID, model.Seconds, sec)
		}
		params.seconds = sec
	}

	sizeRaw = strings.TrimSpace(sizeRaw)
	if sizeRaw == "" {
		params.size = defaultSize
		if model.Orientation == OrientationLandscape {
			params.size = landscapeSize
		}
		return params, nil
	}
	w, h, err := parseSize(sizeRaw)
	if err != nil {
		return generationParams{}, err
	}
	if model.Orientation != OrientationAny && orientationOf(w, h) != model.Orientation {
		return generationParams{}, fmt.Errorf("model %q requires a %s size, got %q", model.ID, model.Orientation, sizeRaw)
	}
	params.size = sizeRaw
	return params, nil
}
