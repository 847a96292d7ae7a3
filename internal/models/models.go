package models

import (
	"strings"
	"time"
)

// UserRole represents user permission levels
type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleOperator UserRole = "operator"
	RoleReadOnly UserRole = "readonly"
)

// User represents a system user for authentication
type User struct {
	ID           int64     `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         UserRole  `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// TapeStatus represents the state of a tape
type TapeStatus string

const (
	TapeStatusBlank    TapeStatus = "blank"
	TapeStatusActive   TapeStatus = "active"
	TapeStatusFull     TapeStatus = "full"
	TapeStatusExpired  TapeStatus = "expired"
	TapeStatusRetired  TapeStatus = "retired"
	TapeStatusExported TapeStatus = "exported"
)

// LTOCapacities maps LTO generation to native capacity in bytes
var LTOCapacities = map[string]int64{
	"LTO-1":  100000000000,   // 100 GB
	"LTO-2":  200000000000,   // 200 GB
	"LTO-3":  400000000000,   // 400 GB
	"LTO-4":  800000000000,   // 800 GB
	"LTO-5":  1500000000000,  // 1.5 TB
	"LTO-6":  2500000000000,  // 2.5 TB
	"LTO-7":  6000000000000,  // 6 TB
	"LTO-8":  12000000000000, // 12 TB
	"LTO-9":  18000000000000, // 18 TB
	"LTO-10": 36000000000000, // 36 TB (expected)
}

// DensityToLTOType maps SCSI density codes to LTO generation strings
var DensityToLTOType = map[string]string{
	"0x40": "LTO-1",
	"0x42": "LTO-2",
	"0x44": "LTO-3",
	"0x46": "LTO-4",
	"0x58": "LTO-5",
	"0x5a": "LTO-6",
	"0x5c": "LTO-7",
	"0x5d": "LTO-7", // LTO-7 Type M (M8)
	"0x5e": "LTO-8",
	"0x60": "LTO-9",
	"0x62": "LTO-10",
}

// LTOTypeFromDensity returns the LTO type for a given density code.
// The density code should be a hex string like "0x58".
// Returns the LTO type string and true if found, or empty string and false.
func LTOTypeFromDensity(densityCode string) (string, bool) {
	ltoType, ok := DensityToLTOType[strings.ToLower(densityCode)]
	return ltoType, ok
}

// Tape represents a physical tape media
type Tape struct {
	ID              int64      `json:"id" db:"id"`
	UUID            string     `json:"uuid" db:"uuid"`
	Barcode         string     `json:"barcode" db:"barcode"`
	Label           string     `json:"label" db:"label"`
	LTOType         string     `json:"lto_type" db:"lto_type"`
	Status          TapeStatus `json:"status" db:"status"`
	CapacityBytes   int64      `json:"capacity_bytes" db:"capacity_bytes"`
	UsedBytes       int64      `json:"used_bytes" db:"used_bytes"`
	WriteCount      int        `json:"write_count" db:"write_count"`
	LastWrittenAt   *time.Time `json:"last_written_at" db:"last_written_at"`
	LabelMonth      string     `json:"label_month" db:"label_month"` // "YYYY-MM", the month the tape was labeled for
	LabeledAt       *time.Time `json:"labeled_at" db:"labeled_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// DriveStatus represents the state of a tape drive
type DriveStatus string

const (
	DriveStatusReady   DriveStatus = "ready"
	DriveStatusBusy    DriveStatus = "busy"
	DriveStatusOffline DriveStatus = "offline"
	DriveStatusError   DriveStatus = "error"
)

// TapeDrive represents a physical tape drive
type TapeDrive struct {
	ID            int64       `json:"id" db:"id"`
	DevicePath    string      `json:"device_path" db:"device_path"`
	DisplayName   string      `json:"display_name" db:"display_name"`
	Vendor        string      `json:"vendor" db:"vendor"`
	SerialNumber  string      `json:"serial_number" db:"serial_number"`
	Model         string      `json:"model" db:"model"`
	Status        DriveStatus `json:"status" db:"status"`
	CurrentTapeID *int64      `json:"current_tape_id" db:"current_tape_id"`
	Enabled       bool        `json:"enabled" db:"enabled"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// AuditLog represents an audit trail entry
type AuditLog struct {
	ID           int64     `json:"id" db:"id"`
	UserID       *int64    `json:"user_id" db:"user_id"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   *int64    `json:"resource_id" db:"resource_id"`
	Details      string    `json:"details" db:"details"` // JSON
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TaskType enumerates the kind of execution a BackupTask represents.
type TaskType string

const (
	TaskTypeFull         TaskType = "FULL"
	TaskTypeIncremental  TaskType = "INCREMENTAL"
	TaskTypeDifferential TaskType = "DIFFERENTIAL"
	TaskTypeMonthlyFull  TaskType = "MONTHLY_FULL"
)

// TaskStatus is the task-level lifecycle status.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// ScanStatus tracks ScanWorker progress independent of overall task status.
type ScanStatus string

const (
	ScanStatusPending    ScanStatus = "PENDING"
	ScanStatusRunning    ScanStatus = "RUNNING"
	ScanStatusRetrieving ScanStatus = "RETRIEVING"
	ScanStatusCompleted  ScanStatus = "COMPLETED"
)

// OperationStage is the current phase of an in-flight task.
type OperationStage string

const (
	StageScan     OperationStage = "scan"
	StageCompress OperationStage = "compress"
	StageCopy     OperationStage = "copy"
	StageFinalize OperationStage = "finalize"
)

// BackupTask is a named unit of work; templates (is_template=true) are
// immutable blueprints cloned into non-template executions.
type BackupTask struct {
	ID                 int64          `json:"id" db:"id"`
	Name               string         `json:"name" db:"name"`
	Type               TaskType       `json:"type" db:"type"`
	SourcePaths        []string       `json:"source_paths" db:"source_paths"`
	ExcludePatterns    []string       `json:"exclude_patterns" db:"exclude_patterns"`
	RetentionDays      int            `json:"retention_days" db:"retention_days"`
	CompressionEnabled bool           `json:"compression_enabled" db:"compression_enabled"`
	ScheduleCron       string         `json:"schedule_cron" db:"schedule_cron"`
	TapeID             *int64         `json:"tape_id" db:"tape_id"`
	Status             TaskStatus     `json:"status" db:"status"`
	ScanStatus         ScanStatus     `json:"scan_status" db:"scan_status"`
	TotalFiles         int64          `json:"total_files" db:"total_files"`
	ProcessedFiles     int64          `json:"processed_files" db:"processed_files"`
	TotalBytes         int64          `json:"total_bytes" db:"total_bytes"`
	ProcessedBytes     int64          `json:"processed_bytes" db:"processed_bytes"`
	CompressedBytes    int64          `json:"compressed_bytes" db:"compressed_bytes"`
	ProgressPercent    float64        `json:"progress_percent" db:"progress_percent"`
	OperationStage     OperationStage `json:"operation_stage" db:"operation_stage"`
	ErrorMessage       string         `json:"error_message,omitempty" db:"error_message"`
	StartedAt          *time.Time     `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at" db:"completed_at"`
	IsTemplate         bool           `json:"is_template" db:"is_template"`
	TemplateID         *int64         `json:"template_id" db:"template_id"`
	ResultSummary      ResultSummary  `json:"result_summary" db:"result_summary"`
	LastRunAt          *time.Time     `json:"last_run_at" db:"last_run_at"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// ResultSummary is the known shape of BackupTask.result_summary, per
// spec §9's note that JSON columns "stay as structured maps but with a
// known shape for the fields actually read".
type ResultSummary struct {
	EstimatedArchiveCount int64 `json:"estimated_archive_count"`
	TotalScannedBytes     int64 `json:"total_scanned_bytes"`
	TotalScannedFiles     int64 `json:"total_scanned_files"`
}

// BackupSetStatus is the lifecycle status of a BackupSet.
type BackupSetStatus string

const (
	BackupSetStatusActive    BackupSetStatus = "ACTIVE"
	BackupSetStatusCompleted BackupSetStatus = "COMPLETED"
	BackupSetStatusFailed    BackupSetStatus = "FAILED"
	BackupSetStatusCancelled BackupSetStatus = "CANCELLED"
)

// BackupSet is one execution's container of files, destined for one tape.
type BackupSet struct {
	ID               int64           `json:"id" db:"id"`
	SetID            string          `json:"set_id" db:"set_id"` // "YYYY-MM_<template id mod 1e6, 6 digits>"
	BackupTaskID     int64           `json:"backup_task_id" db:"backup_task_id"`
	TapeID           *int64          `json:"tape_id" db:"tape_id"`
	Status           BackupSetStatus `json:"status" db:"status"`
	TotalFiles       int64           `json:"total_files" db:"total_files"`
	TotalBytes       int64           `json:"total_bytes" db:"total_bytes"`
	CompressedBytes  int64           `json:"compressed_bytes" db:"compressed_bytes"`
	CompressionRatio float64         `json:"compression_ratio" db:"compression_ratio"`
	ChunkCount       int             `json:"chunk_count" db:"chunk_count"`
	RetentionUntil   *time.Time      `json:"retention_until" db:"retention_until"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// FileType enumerates the kind of filesystem entry a BackupFile records.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
)

// BackupFile is a single scanned filesystem entry within a BackupSet.
type BackupFile struct {
	ID              int64          `json:"id" db:"id"`
	BackupSetID     int64          `json:"backup_set_id" db:"backup_set_id"`
	FilePath        string         `json:"file_path" db:"file_path"`
	FileName        string         `json:"file_name" db:"file_name"`
	FileSize        int64          `json:"file_size" db:"file_size"`
	FileType        FileType       `json:"file_type" db:"file_type"`
	FilePermissions uint32         `json:"file_permissions" db:"file_permissions"`
	CreatedTime     time.Time      `json:"created_time" db:"created_time"`
	ModifiedTime    time.Time      `json:"modified_time" db:"modified_time"`
	AccessedTime    time.Time      `json:"accessed_time" db:"accessed_time"`
	CompressedSize  *int64         `json:"compressed_size" db:"compressed_size"`
	Compressed      bool           `json:"compressed" db:"compressed"`
	Checksum        *string        `json:"checksum" db:"checksum"`
	ChunkNumber     *int           `json:"chunk_number" db:"chunk_number"`
	TapeBlockStart  *int64         `json:"tape_block_start" db:"tape_block_start"`
	IsCopySuccess   bool           `json:"is_copy_success" db:"is_copy_success"`
	CopyStatusAt    *time.Time     `json:"copy_status_at" db:"copy_status_at"`
	FileMetadata    map[string]any `json:"file_metadata" db:"file_metadata"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}
