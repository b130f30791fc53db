package networking

import (
	"fmt"
	"time"

	"go.viam.com/rdk/logging"
)

// Notifier shows status to whoever is near the device.
type Notifier interface {
	ShowNotification(text string, duration time.Duration)
	Alert(title, message, emotion, sound string)
}

// LogNotifier writes notifications to the log, for headless devices.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) ShowNotification(text string, duration time.Duration) {
	l.logger.Infow("notification", "text", text, "duration", duration)
}

func (l *LogNotifier) Alert(title, message, emotion, sound string) {
	l.logger.Warnw(title, "message", message, "emotion", emotion, "sound", sound)
}

type messageID int

const (
	msgScanning messageID = iota
	msgConnectTo
	msgConnected
	msgConfigTitle
	msgConfigHotspot
	msgConfigBle
	msgEnterConfig
	msgCredentialsSaved
)

var messages = map[string]map[messageID]string{
	"en-US": {
		msgScanning:         "Scanning WiFi...",
		msgConnectTo:        "Connect to %s...",
		msgConnected:        "Connected to %s",
		msgConfigTitle:      "Wi-Fi config mode",
		msgConfigHotspot:    "Connect phone to hotspot %s, visit URL %s",
		msgConfigBle:        "Use the BluFi app to scan for device %s",
		msgEnterConfig:      "Entering Wi-Fi configuration mode...",
		msgCredentialsSaved: "Saved Wi-Fi credentials for %s",
	},
	"zh-CN": {
		msgScanning:         "扫描 Wi-Fi...",
		msgConnectTo:        "连接 %s...",
		msgConnected:        "已连接 %s",
		msgConfigTitle:      "配网模式",
		msgConfigHotspot:    "手机连接热点 %s，浏览器访问 %s",
		msgConfigBle:        "请使用 BluFi 应用搜索设备 %s",
		msgEnterConfig:      "进入配网模式...",
		msgCredentialsSaved: "已保存 %s 的 Wi-Fi 配置",
	},
}

func localize(lang string, id messageID, args ...any) string {
	table, ok := messages[lang]
	if !ok {
		table = messages["en-US"]
	}
	format, ok := table[id]
	if !ok {
		format = messages["en-US"][id]
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
