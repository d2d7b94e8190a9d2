package station

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/langchou/parkgate/internal/models"
)

// Config 采集站模拟器配置
type Config struct {
	ServerURL string
	Station   models.Station
	Debug     bool

	// 标签对应的车牌，模拟摄像头识别结果
	Plates map[string]string
	// 没有对应车牌时上报的图片 (base64)，交给服务端 OCR
	ImageFile string
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	index, err := strconv.Atoi(getEnv("STATION_INDEX", "1"))
	if err != nil || !models.Station(index).Valid() {
		return nil, fmt.Errorf("STATION_INDEX must be 1 (entrance) or 2 (exit)")
	}

	plates, err := parsePlates(getEnv("STATION_PLATES", ""))
	if err != nil {
		return nil, err
	}

	return &Config{
		ServerURL: getEnv("STATION_SERVER_URL", "http://localhost:4000"),
		Station:   models.Station(index),
		Debug:     getEnv("DEBUG", "") == "true",
		Plates:    plates,
		ImageFile: getEnv("STATION_IMAGE_FILE", ""),
	}, nil
}

// parsePlates 解析 "T1=51B267890,T2=30A112345"
func parsePlates(s string) (map[string]string, error) {
	plates := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return plates, nil
	}
	for _, pair := range strings.Split(s, ",") {
		tag, plate, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || tag == "" || plate == "" {
			return nil, fmt.Errorf("invalid STATION_PLATES entry %q", pair)
		}
		plates[tag] = plate
	}
	return plates, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
