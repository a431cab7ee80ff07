// Package config provides configuration loading and management for SiteGuard
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SiteConfig describes the multisite installation being protected
type SiteConfig struct {
	Root        string `yaml:"root"`
	ContentDir  string `yaml:"contentDir"`
	ConfigFile  string `yaml:"configFile"`
	TablePrefix string `yaml:"tablePrefix"`
	VersionFile string `yaml:"versionFile"`
	// Version is used when VersionFile cannot be read
	Version string `yaml:"version"`
}

// DatabaseConfig defines the live site database connection
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// LocalConfig defines local archive and scratch locations
type LocalConfig struct {
	BackupDirectory string `yaml:"backupDirectory"`
	WorkDirectory   string `yaml:"workDirectory"`
	Retention       string `yaml:"retention"`
}

// CopyConfig controls which files the tree copier accepts
type CopyConfig struct {
	MaxFileSize    int64    `yaml:"maxFileSize"`
	SkipExtensions []string `yaml:"skipExtensions"`
}

// S3Config defines S3 storage settings
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"pathStyle"`
	UseSSL    bool   `yaml:"useSSL"`
	Retention string `yaml:"retention"`
}

// MetadataDBConfig defines MySQL connection settings for the job database
type MetadataDBConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// MetricsConfig defines admin and metrics server settings
type MetricsConfig struct {
	Port string `yaml:"port"`
}

// ScheduleConfig defines the unattended backup schedule
type ScheduleConfig struct {
	Backup     string `yaml:"backup"`
	BackupKind string `yaml:"backupKind"`
	Sweep      string `yaml:"sweep"`
	// StaleAfter is the age after which leftover work directories are removed
	StaleAfter string `yaml:"staleAfter"`
}

// AdminConfig guards the admin API
type AdminConfig struct {
	Token string `yaml:"token"`
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	Local      LocalConfig      `yaml:"local"`
	Copy       CopyConfig       `yaml:"copy"`
	S3         S3Config         `yaml:"s3"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	MetadataDB MetadataDBConfig `yaml:"metadata_database"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Admin      AdminConfig      `yaml:"admin"`
	Debug      bool             `yaml:"debug"`
	ConfigFile string           `yaml:"-"`
}

// CFG is the global configuration object
var CFG AppConfig

// LoadConfiguration reads the optional YAML file named by CONFIG_FILE and then
// applies environment overrides
func LoadConfiguration() {
	CFG = AppConfig{}
	CFG.S3.UseSSL = true
	CFG.MetadataDB.AutoMigrate = true
	CFG.ConfigFile = getEnvOrDefault("CONFIG_FILE", "/etc/siteguard/config.yaml")

	if err := loadFromFile(CFG.ConfigFile); err != nil {
		log.Printf("Config file not loaded: %v", err)
	}

	log.Println("Loading configuration overrides from environment variables...")
	loadFromEnvironment()
	setDefaults()

	if CFG.Debug {
		log.Printf("Configuration loaded: %+v\n", masked(CFG))
	}
}

func loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	file := CFG.ConfigFile
	if err := yaml.Unmarshal(data, &CFG); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	CFG.ConfigFile = file
	return nil
}

// loadFromEnvironment overrides any field whose variable is set
func loadFromEnvironment() {
	CFG.Debug = parseEnvBool("DEBUG", CFG.Debug)

	CFG.Site.Root = getEnvOrDefault("SITE_ROOT", CFG.Site.Root)
	CFG.Site.ContentDir = getEnvOrDefault("SITE_CONTENT_DIR", CFG.Site.ContentDir)
	CFG.Site.ConfigFile = getEnvOrDefault("SITE_CONFIG_FILE", CFG.Site.ConfigFile)
	CFG.Site.TablePrefix = getEnvOrDefault("SITE_TABLE_PREFIX", CFG.Site.TablePrefix)
	CFG.Site.VersionFile = getEnvOrDefault("SITE_VERSION_FILE", CFG.Site.VersionFile)
	CFG.Site.Version = getEnvOrDefault("SITE_VERSION", CFG.Site.Version)

	CFG.Database.Host = getEnvOrDefault("DB_HOST", CFG.Database.Host)
	CFG.Database.Port = getEnvOrDefault("DB_PORT", CFG.Database.Port)
	CFG.Database.Username = getEnvOrDefault("DB_USERNAME", CFG.Database.Username)
	CFG.Database.Password = getEnvOrDefault("DB_PASSWORD", CFG.Database.Password)
	CFG.Database.Name = getEnvOrDefault("DB_NAME", CFG.Database.Name)

	CFG.Local.BackupDirectory = getEnvOrDefault("LOCAL_BACKUP_DIRECTORY", CFG.Local.BackupDirectory)
	CFG.Local.WorkDirectory = getEnvOrDefault("LOCAL_WORK_DIRECTORY", CFG.Local.WorkDirectory)
	CFG.Local.Retention = getEnvOrDefault("LOCAL_RETENTION", CFG.Local.Retention)

	if v := getEnvOrDefault("COPY_MAX_FILE_SIZE", ""); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			CFG.Copy.MaxFileSize = size
		} else {
			log.Printf("Error parsing COPY_MAX_FILE_SIZE: %v", err)
		}
	}
	if v := getEnvOrDefault("COPY_SKIP_EXTENSIONS", ""); v != "" {
		CFG.Copy.SkipExtensions = splitList(v)
	}

	CFG.S3.Enabled = parseEnvBool("S3_BACKUP_ENABLED", CFG.S3.Enabled)
	CFG.S3.Bucket = getEnvOrDefault("S3_BUCKET", CFG.S3.Bucket)
	CFG.S3.Region = getEnvOrDefault("S3_REGION", CFG.S3.Region)
	CFG.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", CFG.S3.Endpoint)
	CFG.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", CFG.S3.AccessKey)
	CFG.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", CFG.S3.SecretKey)
	CFG.S3.Prefix = getEnvOrDefault("S3_PREFIX", CFG.S3.Prefix)
	CFG.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", CFG.S3.PathStyle)
	CFG.S3.UseSSL = parseEnvBool("S3_USE_SSL", CFG.S3.UseSSL)
	CFG.S3.Retention = getEnvOrDefault("S3_RETENTION", CFG.S3.Retention)

	CFG.MetadataDB.Enabled = parseEnvBool("METADATA_DB_ENABLED", CFG.MetadataDB.Enabled)
	CFG.MetadataDB.Host = getEnvOrDefault("METADATA_DB_HOST", CFG.MetadataDB.Host)
	if v := getEnvOrDefault("METADATA_DB_PORT", ""); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			CFG.MetadataDB.Port = port
		}
	}
	CFG.MetadataDB.Username = getEnvOrDefault("METADATA_DB_USERNAME", CFG.MetadataDB.Username)
	CFG.MetadataDB.Password = getEnvOrDefault("METADATA_DB_PASSWORD", CFG.MetadataDB.Password)
	CFG.MetadataDB.Database = getEnvOrDefault("METADATA_DB_DATABASE", CFG.MetadataDB.Database)
	CFG.MetadataDB.ConnMaxLifetime = getEnvOrDefault("METADATA_DB_CONN_MAX_LIFETIME", CFG.MetadataDB.ConnMaxLifetime)
	CFG.MetadataDB.AutoMigrate = parseEnvBool("METADATA_DB_AUTO_MIGRATE", CFG.MetadataDB.AutoMigrate)

	CFG.Metrics.Port = getEnvOrDefault("METRICS_PORT", CFG.Metrics.Port)

	CFG.Schedule.Backup = getEnvOrDefault("SCHEDULE_BACKUP", CFG.Schedule.Backup)
	CFG.Schedule.BackupKind = getEnvOrDefault("SCHEDULE_BACKUP_KIND", CFG.Schedule.BackupKind)
	CFG.Schedule.Sweep = getEnvOrDefault("SCHEDULE_SWEEP", CFG.Schedule.Sweep)
	CFG.Schedule.StaleAfter = getEnvOrDefault("SCHEDULE_STALE_AFTER", CFG.Schedule.StaleAfter)

	CFG.Admin.Token = getEnvOrDefault("ADMIN_TOKEN", CFG.Admin.Token)
}

// setDefaults ensures all config fields have reasonable default values
func setDefaults() {
	if CFG.Site.Root == "" {
		CFG.Site.Root = "/var/www/html"
	}
	if CFG.Site.ContentDir == "" {
		CFG.Site.ContentDir = CFG.Site.Root + "/wp-content"
	}
	if CFG.Site.ConfigFile == "" {
		CFG.Site.ConfigFile = CFG.Site.Root + "/wp-config.php"
	}
	if CFG.Site.VersionFile == "" {
		CFG.Site.VersionFile = CFG.Site.Root + "/wp-includes/version.php"
	}
	if CFG.Site.TablePrefix == "" {
		CFG.Site.TablePrefix = "wp_"
	}

	if CFG.Database.Port == "" {
		CFG.Database.Port = "3306"
	}

	if CFG.Local.BackupDirectory == "" {
		CFG.Local.BackupDirectory = CFG.Site.ContentDir + "/uploads/multisite-backups"
	}
	if CFG.Local.WorkDirectory == "" {
		CFG.Local.WorkDirectory = CFG.Local.BackupDirectory
	}

	if CFG.Copy.MaxFileSize == 0 {
		CFG.Copy.MaxFileSize = 100 * 1024 * 1024
	}
	if CFG.Copy.SkipExtensions == nil {
		CFG.Copy.SkipExtensions = []string{"log", "tmp", "cache", "lock"}
	}

	if CFG.S3.Region == "" {
		CFG.S3.Region = "us-east-1"
	}
	if CFG.S3.Prefix == "" {
		CFG.S3.Prefix = "multisite-backups"
	}

	if CFG.Metrics.Port == "" {
		CFG.Metrics.Port = "8080"
	}

	if CFG.Schedule.BackupKind == "" {
		CFG.Schedule.BackupKind = "full"
	}
	if CFG.Schedule.Sweep == "" {
		CFG.Schedule.Sweep = "*/30 * * * *"
	}
	if CFG.Schedule.StaleAfter == "" {
		CFG.Schedule.StaleAfter = "6h"
	}

	if CFG.MetadataDB.Enabled {
		if CFG.MetadataDB.Host == "" {
			CFG.MetadataDB.Host = "localhost"
		}
		if CFG.MetadataDB.Port == 0 {
			CFG.MetadataDB.Port = 3306
		}
		if CFG.MetadataDB.Database == "" {
			CFG.MetadataDB.Database = "siteguard_metadata"
		}
		if CFG.MetadataDB.MaxOpenConns == 0 {
			CFG.MetadataDB.MaxOpenConns = 10
		}
		if CFG.MetadataDB.MaxIdleConns == 0 {
			CFG.MetadataDB.MaxIdleConns = 5
		}
		if CFG.MetadataDB.ConnMaxLifetime == "" {
			CFG.MetadataDB.ConnMaxLifetime = "5m"
		}
	}
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if defaultValue != "" && os.Getenv("DEBUG") == "true" && !isSensitive(key) {
		log.Printf("Environment variable %s not set. Using default: %s", key, defaultValue)
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

func isSensitive(key string) bool {
	return strings.Contains(key, "PASSWORD") || strings.Contains(key, "SECRET") || strings.Contains(key, "TOKEN")
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "."))
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func masked(c AppConfig) AppConfig {
	c.Database.Password = maskSensitiveInfo(c.Database.Password)
	c.S3.AccessKey = maskSensitiveInfo(c.S3.AccessKey)
	c.S3.SecretKey = maskSensitiveInfo(c.S3.SecretKey)
	c.MetadataDB.Password = maskSensitiveInfo(c.MetadataDB.Password)
	c.Admin.Token = maskSensitiveInfo(c.Admin.Token)
	return c
}

// DisplayConfiguration outputs the current configuration in a readable format
// while masking sensitive information
func DisplayConfiguration() {
	log.Println("========== SiteGuard Configuration ==========")
	log.Printf("Debug Mode: %t", CFG.Debug)
	log.Printf("Config File: %s", CFG.ConfigFile)

	log.Println("\n----- Site -----")
	log.Printf("Root: %s", CFG.Site.Root)
	log.Printf("Content Directory: %s", CFG.Site.ContentDir)
	log.Printf("Config File: %s", CFG.Site.ConfigFile)
	log.Printf("Table Prefix: %s", CFG.Site.TablePrefix)

	log.Println("\n----- Site Database -----")
	log.Printf("Host: %s", CFG.Database.Host)
	log.Printf("Port: %s", CFG.Database.Port)
	log.Printf("Username: %s", CFG.Database.Username)
	log.Printf("Password: %s", maskSensitiveInfo(CFG.Database.Password))
	log.Printf("Database: %s", CFG.Database.Name)

	log.Println("\n----- Local Storage -----")
	log.Printf("Backup Directory: %s", CFG.Local.BackupDirectory)
	log.Printf("Work Directory: %s", CFG.Local.WorkDirectory)
	log.Printf("Retention: %s", CFG.Local.Retention)
	log.Printf("Max File Size: %d", CFG.Copy.MaxFileSize)
	log.Printf("Skipped Extensions: %s", strings.Join(CFG.Copy.SkipExtensions, ", "))

	log.Println("\n----- S3 Upload -----")
	log.Printf("Enabled: %t", CFG.S3.Enabled)
	if CFG.S3.Enabled {
		log.Printf("Bucket: %s", CFG.S3.Bucket)
		log.Printf("Region: %s", CFG.S3.Region)
		log.Printf("Endpoint: %s", CFG.S3.Endpoint)
		log.Printf("Access Key: %s", maskSensitiveInfo(CFG.S3.AccessKey))
		log.Printf("Secret Key: %s", maskSensitiveInfo(CFG.S3.SecretKey))
		log.Printf("Prefix: %s", CFG.S3.Prefix)
		log.Printf("Retention: %s", CFG.S3.Retention)
	}

	log.Println("\n----- Schedule -----")
	log.Printf("Backup: %s (%s)", CFG.Schedule.Backup, CFG.Schedule.BackupKind)
	log.Printf("Sweep: %s (stale after %s)", CFG.Schedule.Sweep, CFG.Schedule.StaleAfter)

	log.Println("\n----- Admin -----")
	log.Printf("Port: %s", CFG.Metrics.Port)
	log.Printf("Token: %s", maskSensitiveInfo(CFG.Admin.Token))

	if CFG.MetadataDB.Enabled {
		log.Println("\n----- Metadata Database -----")
		log.Printf("Host: %s", CFG.MetadataDB.Host)
		log.Printf("Port: %d", CFG.MetadataDB.Port)
		log.Printf("Username: %s", CFG.MetadataDB.Username)
		log.Printf("Password: %s", maskSensitiveInfo(CFG.MetadataDB.Password))
		log.Printf("Database: %s", CFG.MetadataDB.Database)
	}
	log.Println("============================================")
}

// maskSensitiveInfo masks sensitive information for logging
func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	return info[:2] + "****" + info[len(info)-2:]
}

// RetentionDuration parses a retention value. Day suffixes ("7d") are accepted.
// An empty value means keep forever and yields zero.
func RetentionDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	if strings.HasSuffix(v, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(v, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid retention %q: %w", v, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}

// ValidateConfig validates the configuration
func ValidateConfig() error {
	if CFG.Database.Host == "" {
		return fmt.Errorf("site database host is required")
	}
	if CFG.Database.Username == "" {
		return fmt.Errorf("site database username is required")
	}
	if CFG.Database.Name == "" {
		return fmt.Errorf("site database name is required")
	}

	if CFG.Site.ContentDir == "" {
		return fmt.Errorf("site content directory is required")
	}
	if !strings.HasSuffix(CFG.Site.TablePrefix, "_") {
		return fmt.Errorf("table prefix %q must end with an underscore", CFG.Site.TablePrefix)
	}

	if CFG.Local.BackupDirectory == "" {
		return fmt.Errorf("local backup directory must be specified")
	}
	if CFG.Copy.MaxFileSize < 0 {
		return fmt.Errorf("copy max file size must not be negative")
	}

	if CFG.S3.Enabled {
		if CFG.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket must be specified when S3 backups are enabled")
		}
		if CFG.S3.AccessKey == "" || CFG.S3.SecretKey == "" {
			return fmt.Errorf("S3 access key and secret key must be specified when S3 backups are enabled")
		}
		if _, err := RetentionDuration(CFG.S3.Retention); err != nil {
			return fmt.Errorf("invalid S3 retention: %v", err)
		}
	}

	if _, err := RetentionDuration(CFG.Local.Retention); err != nil {
		return fmt.Errorf("invalid local retention: %v", err)
	}

	switch CFG.Schedule.BackupKind {
	case "full", "database", "files":
	default:
		return fmt.Errorf("invalid scheduled backup kind %q", CFG.Schedule.BackupKind)
	}
	if _, err := time.ParseDuration(CFG.Schedule.StaleAfter); err != nil {
		return fmt.Errorf("invalid stale-after duration: %v", err)
	}

	if CFG.MetadataDB.Enabled {
		if CFG.MetadataDB.Host == "" {
			return fmt.Errorf("metadata database host is required when enabled")
		}
		if CFG.MetadataDB.Username == "" {
			return fmt.Errorf("metadata database username is required when enabled")
		}
		if CFG.MetadataDB.Database == "" {
			return fmt.Errorf("metadata database name is required when enabled")
		}
		if CFG.MetadataDB.ConnMaxLifetime != "" {
			if _, err := time.ParseDuration(CFG.MetadataDB.ConnMaxLifetime); err != nil {
				return fmt.Errorf("invalid metadata database connection max lifetime: %v", err)
			}
		}
	}

	return nil
}
