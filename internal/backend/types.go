package backend

// Capabilities is the query-capabilities response.
type Capabilities struct {
	Driver       string   `json:"driver"`
	Card         string   `json:"card"`
	BusInfo      string   `json:"bus_info"`
	Capabilities []string `json:"capabilities"`
}

// Input describes one capture input.
type Input struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// FormatDesc describes an enumerable pixel format.
type FormatDesc struct {
	Index       int    `json:"index"`
	PixelFormat string `json:"pixelformat"`
	Description string `json:"description"`
}

// Format is the negotiated capture format of a session.
type Format struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	PixelFormat  string `json:"pixelformat"`
	Field        string `json:"field,omitempty"`
	BytesPerLine int    `json:"bytesperline,omitempty"`
	SizeImage    int    `json:"sizeimage,omitempty"`
}

// Control is one control value.
type Control struct {
	ID    uint32 `json:"id"`
	Value int32  `json:"value"`
}

// ExtControls is the set-extended-controls request.
type ExtControls struct {
	Controls []Control `json:"controls"`
}

// Fraction is a rational number.
type Fraction struct {
	Numerator   uint32 `json:"numerator"`
	Denominator uint32 `json:"denominator"`
}

// StreamParams is the set-stream-parameters request.
type StreamParams struct {
	TimePerFrame Fraction `json:"timeperframe"`
}

// IndexRequest selects an entry of an enumeration.
type IndexRequest struct {
	Index int `json:"index"`
}

// SourceChange is the payload of a source-change notification.
type SourceChange struct {
	Input int    `json:"input"`
	Name  string `json:"name"`
}

// ControlRange bounds a control.
type ControlRange struct {
	ID      uint32
	Name    string
	Min     int32
	Max     int32
	Default int32
}

// Control ids of the default control set.
const (
	CtrlBrightness uint32 = 0x00980900
	CtrlContrast   uint32 = 0x00980901
	CtrlSaturation uint32 = 0x00980902
	CtrlHue        uint32 = 0x00980903
)
