package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	DICOM     DICOMConfig
	Storage   StorageConfig
	Inference InferenceConfig
	Regions   RegionsConfig
	Records   RecordsConfig
	Notify    NotifyConfig
	Redis     RedisConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type DICOMConfig struct {
	AETitle          string
	Port             int
	RemoteAETitle    string
	RemoteHost       string
	RemotePort       int
	RetrieveStrategy string // "move" (push to our AE) or "get" (pull)
	Modality         string
	PollIntervalMin  int
	LookbackHours    int
}

type StorageConfig struct {
	DBPath    string
	ImagesDir string
}

type InferenceConfig struct {
	PrimaryURL   string
	SecondaryURL string
	APIKey       string
	Model        string
	TimeoutSec   int
	MaxTokens    int
	Temperature  float32
	MaxImageSize int
}

// RegionRule maps an anatomic region to the protocol keywords that select
// it. Dictionary order is matching order: the first rule with a matching
// keyword wins.
type RegionRule struct {
	Name     string
	Keywords []string
}

type RegionsConfig struct {
	Dictionary    []RegionRule
	Supported     []string
	Prompts       map[string]string
	DefaultPrompt string
}

type RecordsConfig struct {
	Enabled     bool
	BaseURL     string
	TimeoutSec  int
	CacheTTLMin int
}

type NotifyConfig struct {
	Enabled    bool
	URL        string
	TimeoutSec int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/xrayvision")

	viper.SetEnvPrefix("XRAYVISION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("dicom.aeTitle", "XRAYVISION")
	viper.SetDefault("dicom.port", 4010)
	viper.SetDefault("dicom.remoteAETitle", "DICOM_SERVER")
	viper.SetDefault("dicom.remoteHost", "192.168.1.1")
	viper.SetDefault("dicom.remotePort", 104)
	viper.SetDefault("dicom.retrieveStrategy", "move")
	viper.SetDefault("dicom.modality", "CR")
	viper.SetDefault("dicom.pollIntervalMin", 30)
	viper.SetDefault("dicom.lookbackHours", 24)

	viper.SetDefault("storage.dbPath", "./data/xrayvision.db")
	viper.SetDefault("storage.imagesDir", "./images")

	viper.SetDefault("inference.primaryURL", "http://127.0.0.1:8080/v1")
	viper.SetDefault("inference.secondaryURL", "")
	viper.SetDefault("inference.model", "medgemma-4b-it")
	viper.SetDefault("inference.timeoutSec", 120)
	viper.SetDefault("inference.maxTokens", 1024)
	viper.SetDefault("inference.temperature", 0.2)
	viper.SetDefault("inference.maxImageSize", 500)

	viper.SetDefault("regions.dictionary", []map[string]interface{}{
		{"name": "skull", "keywords": []string{"skull", "cranium", "craniu", "sinus"}},
		{"name": "spine", "keywords": []string{"spine", "cervical", "thoracic", "lumbar", "coloana"}},
		{"name": "chest", "keywords": []string{"chest", "thorax", "torace", "pulmonar", "lung"}},
		{"name": "abdomen", "keywords": []string{"abdomen", "abdominal"}},
		{"name": "pelvis", "keywords": []string{"pelvis", "hip", "bazin", "sold"}},
		{"name": "limb", "keywords": []string{"limb", "arm", "leg", "hand", "foot", "knee", "elbow", "wrist", "ankle", "femur", "tibia", "humerus", "membru"}},
	})
	viper.SetDefault("regions.supported", []string{"skull", "spine", "chest", "abdomen", "pelvis", "limb"})
	viper.SetDefault("regions.prompts", map[string]string{})
	viper.SetDefault("regions.defaultPrompt",
		"Assess carefully if there is anything abnormal pictured in the xray. "+
			"Do not assume, stick to the facts. Check for fractures, foreign metallic bodies, "+
			"lung consolidation, pleural effusion, pneumothorax, cardiac silhouette, "+
			"distended bowel loops, pneumoperitoneum, vertebral alignment and skull fractures.")

	viper.SetDefault("records.enabled", false)
	viper.SetDefault("records.baseURL", "http://localhost:9000")
	viper.SetDefault("records.timeoutSec", 15)
	viper.SetDefault("records.cacheTTLMin", 60)

	viper.SetDefault("notify.enabled", false)
	viper.SetDefault("notify.url", "")
	viper.SetDefault("notify.timeoutSec", 5)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
