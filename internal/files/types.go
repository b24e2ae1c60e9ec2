package files

import "time"

// FileType is the coarse category of a downloadable file
type FileType string

const (
	Document     FileType = "document"
	Spreadsheet  FileType = "spreadsheet"
	Presentation FileType = "presentation"
	Archive      FileType = "archive"
	Image        FileType = "image"
	Audio        FileType = "audio"
	Video        FileType = "video"
	Data         FileType = "data"
	Code         FileType = "code"
	Other        FileType = "other"
)

// AllFileTypes lists every category except Other, in priority-table order
var AllFileTypes = []FileType{Document, Spreadsheet, Presentation, Archive, Image, Audio, Video, Data, Code}

// FileDescriptor describes a URL the classifier accepted as a file.
// It is immutable once created.
type FileDescriptor struct {
	URL            string    `json:"url"`
	Filename       string    `json:"filename"`
	Extension      string    `json:"extension"`
	FileType       FileType  `json:"file_type"`
	MIMEType       string    `json:"mime_type,omitempty"`
	RepositoryPath string    `json:"repository_path,omitempty"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// extensionsByType is the stock extension table, extensions lower-cased with
// the leading dot.
var extensionsByType = map[FileType][]string{
	Document: {
		".pdf", ".doc", ".docx", ".txt", ".rtf", ".odt", ".pages",
		".epub", ".mobi", ".djvu", ".xps",
	},
	Spreadsheet:  {".xls", ".xlsx", ".ods", ".numbers"},
	Presentation: {".ppt", ".pptx", ".odp", ".key", ".pps", ".ppsx"},
	Archive: {
		".zip", ".rar", ".7z", ".tar", ".gz", ".bz2", ".xz", ".tgz",
	},
	Image: {
		".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".tif",
		".svg", ".webp", ".ico", ".psd", ".ai", ".eps",
	},
	Audio: {".mp3", ".wav", ".flac", ".aac", ".ogg", ".wma", ".m4a"},
	Video: {
		".mp4", ".avi", ".mkv", ".mov", ".wmv", ".flv", ".webm",
		".m4v", ".3gp", ".mpg", ".mpeg",
	},
	Data: {
		".json", ".xml", ".yaml", ".yml", ".sql", ".db", ".sqlite",
		".mdb", ".accdb", ".csv", ".tsv",
	},
	Code: {
		".py", ".js", ".html", ".css", ".java", ".cpp", ".c", ".h",
		".php", ".rb", ".go", ".rs", ".swift", ".kt",
	},
}

// expectedMIME lists the MIME types servers should report for common extensions
var expectedMIME = map[string][]string{
	".pdf":  {"application/pdf"},
	".doc":  {"application/msword"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".xls":  {"application/vnd.ms-excel"},
	".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	".ppt":  {"application/vnd.ms-powerpoint"},
	".pptx": {"application/vnd.openxmlformats-officedocument.presentationml.presentation"},
	".zip":  {"application/zip"},
	".csv":  {"text/csv", "application/csv"},
	".json": {"application/json"},
	".xml":  {"application/xml", "text/xml"},
}

// DefaultRepositoryPatterns are path fragments that usually mark a file-serving directory
var DefaultRepositoryPatterns = []string{
	`/downloads?/`,
	`/files?/`,
	`/documents?/`,
	`/attachments?/`,
	`/assets/`,
	`/media/`,
	`/uploads?/`,
	`/resources?/`,
	`/library/`,
	`/repository/`,
	`/archive/`,
	`/content/`,
	`/static/`,
	`/public/`,
	`/shared/`,
}

// DefaultBlacklist holds executable installers that are never downloaded
var DefaultBlacklist = []string{".exe", ".dmg", ".msi"}

// ExtensionsFor returns the stock extensions of the given types
func ExtensionsFor(types ...FileType) []string {
	var out []string
	for _, ft := range types {
		out = append(out, extensionsByType[ft]...)
	}
	return out
}

// DefaultWhitelist is the union of document, spreadsheet, presentation and data extensions
func DefaultWhitelist() []string {
	return ExtensionsFor(Document, Spreadsheet, Presentation, Data)
}

// TypeOf maps an extension to its file type, Other when unknown
func TypeOf(ext string) FileType {
	for _, ft := range AllFileTypes {
		for _, e := range extensionsByType[ft] {
			if e == ext {
				return ft
			}
		}
	}
	return Other
}

var typePriority = map[FileType]int{
	Document:     10,
	Spreadsheet:  9,
	Presentation: 8,
	Data:         7,
	Archive:      6,
	Code:         5,
	Image:        3,
	Audio:        2,
	Video:        1,
	Other:        1,
}

var highValueExtensions = map[string]bool{
	".pdf": true, ".docx": true, ".xlsx": true, ".pptx": true,
	".csv": true, ".json": true, ".xml": true,
}

// Priority scores a descriptor for the download queue; higher goes first
func Priority(d FileDescriptor) int {
	p, ok := typePriority[d.FileType]
	if !ok {
		p = 1
	}
	if highValueExtensions[d.Extension] {
		p += 5
	}
	if d.RepositoryPath != "" {
		p += 3
	}
	return p
}
