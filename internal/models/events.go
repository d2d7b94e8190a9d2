package models

import "time"

// Station 采集站编号
type Station int

const (
	StationDashboard Station = 0 // 看板/观察者
	StationEntrance  Station = 1
	StationExit      Station = 2
)

// Valid 是否为入口或出口
func (s Station) Valid() bool {
	return s == StationEntrance || s == StationExit
}

func (s Station) String() string {
	switch s {
	case StationEntrance:
		return "entrance"
	case StationExit:
		return "exit"
	case StationDashboard:
		return "dashboard"
	default:
		return "unknown"
	}
}

// ScanEvent RFID 刷卡事件
type ScanEvent struct {
	TagID     string    `json:"tag_id"`
	Station   Station   `json:"station_index"`
	ScannedAt time.Time `json:"scanned_at"`
}

// CaptureEvent 采集站回传的抓拍结果，处理一次后丢弃
type CaptureEvent struct {
	TagID     string    `json:"tag_id"`
	Station   Station   `json:"station_index"`
	PlateText *string   `json:"plate_text,omitempty"` // 采集站已识别的文本
	Image     string    `json:"-"`                    // base64 图片，交给 OCR
	ArrivedAt time.Time `json:"arrived_at"`
}

// CaptureRequest 通知采集站拍照
type CaptureRequest struct {
	Type    string  `json:"type"`
	TagID   string  `json:"tagId"`
	Station Station `json:"stationIndex"`
}

// CaptureResult 识别结果，推送给看板
type CaptureResult struct {
	TagID        string  `json:"tagId"`
	Station      Station `json:"stationIndex"`
	RawText      string  `json:"rawText,omitempty"`
	Plate        string  `json:"plate,omitempty"`
	MatchedPlate string  `json:"matchedPlate,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Recognized   bool    `json:"recognized"`
	Reason       string  `json:"reason,omitempty"`
}

// GateAction 道闸动作
type GateAction string

const (
	GateOpen GateAction = "open"
	GateHold GateAction = "hold"
)

// GateCommand 道闸指令
type GateCommand struct {
	Action    GateAction `json:"action"`
	Reason    string     `json:"reason"`
	Station   Station    `json:"stationIndex"`
	TagID     string     `json:"tagId"`
	SessionID string     `json:"sessionId,omitempty"`
	IssuedAt  time.Time  `json:"issuedAt"`
}
