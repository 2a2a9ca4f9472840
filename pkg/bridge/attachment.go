// convobridge - A multi-platform chat bridge.
// Copyright (C) 2025 Martin Wehr
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	"path/filepath"
	"strings"

	"go.mau.fi/util/jsontime"
)

// AttachmentType is the storage category an attachment is filed under.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentDocument AttachmentType = "document"
	AttachmentArchive  AttachmentType = "archive"
	AttachmentOther    AttachmentType = "other"
)

var extensionTypes = map[string]AttachmentType{
	".jpg": AttachmentImage, ".jpeg": AttachmentImage, ".png": AttachmentImage,
	".gif": AttachmentImage, ".webp": AttachmentImage, ".bmp": AttachmentImage,
	".heic": AttachmentImage, ".svg": AttachmentImage,

	".mp4": AttachmentVideo, ".mov": AttachmentVideo, ".webm": AttachmentVideo,
	".mkv": AttachmentVideo, ".avi": AttachmentVideo,

	".mp3": AttachmentAudio, ".ogg": AttachmentAudio, ".oga": AttachmentAudio,
	".wav": AttachmentAudio, ".m4a": AttachmentAudio, ".flac": AttachmentAudio,
	".opus": AttachmentAudio,

	".pdf": AttachmentDocument, ".doc": AttachmentDocument, ".docx": AttachmentDocument,
	".xls": AttachmentDocument, ".xlsx": AttachmentDocument, ".ppt": AttachmentDocument,
	".pptx": AttachmentDocument, ".txt": AttachmentDocument, ".md": AttachmentDocument,
	".csv": AttachmentDocument,

	".zip": AttachmentArchive, ".tar": AttachmentArchive, ".gz": AttachmentArchive,
	".rar": AttachmentArchive, ".7z": AttachmentArchive,
}

// AttachmentTypeForFilename maps a filename to its storage category using a
// fixed extension table. Unknown extensions land in "other".
func AttachmentTypeForFilename(name string) AttachmentType {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return AttachmentOther
}

// IncomingAttachment is one attachment as delivered by an adapter. The
// adapter is responsible for the platform transfer; by the time this reaches
// the engine, Data holds the raw bytes (or is nil if the transfer failed or
// was skipped for size).
type IncomingAttachment struct {
	// PlatformPath is the platform file path or URI, used to derive a stable
	// attachment id. May be empty for inline uploads.
	PlatformPath string
	Filename     string
	Size         int64
	ContentType  string
	Data         []byte
}

// AttachmentRecord is the materialized metadata for one attachment, persisted
// as JSON next to the raw file. Owned exclusively by the attachment cache
// once persisted; messages reference it by id.
type AttachmentRecord struct {
	ID          string             `json:"attachment_id"`
	Type        AttachmentType     `json:"attachment_type"`
	Filename    string             `json:"filename"`
	Size        int64              `json:"size"`
	ContentType string             `json:"content_type"`
	LocalPath   string             `json:"local_path,omitempty"`
	Processable bool               `json:"processable"`
	Width       int                `json:"width,omitempty"`
	Height      int                `json:"height,omitempty"`
	SavedAt     jsontime.UnixMilli `json:"saved_at"`
}
