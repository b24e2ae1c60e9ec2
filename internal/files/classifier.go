package files

import (
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidPattern is returned when a repository pattern does not compile
var ErrInvalidPattern = errors.New("invalid repository pattern")

// Options configures a Classifier. Nil slices take the defaults.
type Options struct {
	// Whitelist of accepted extensions. Takes precedence over FileTypes.
	Whitelist []string
	// FileTypes builds the whitelist from the stock table when Whitelist is empty
	FileTypes          []FileType
	Blacklist          []string
	RepositoryPatterns []string
	// DisableMIMEValidation skips the expected-MIME check entirely
	DisableMIMEValidation bool
	// DisableRepositoryPaths skips repository path extraction
	DisableRepositoryPaths bool
	// MaxFileSizeMB rejects URLs whose query carries a larger size hint. 0 disables.
	MaxFileSizeMB int
}

// Stats is the running tally of accepted files
type Stats struct {
	TotalFiles      int              `json:"total_files"`
	ByType          map[FileType]int `json:"files_by_type"`
	ByExtension     map[string]int   `json:"files_by_extension"`
	RepositoryPaths []string         `json:"repository_paths"`
}

// Classifier decides whether a URL points at a downloadable file
type Classifier struct {
	whitelist     map[string]bool
	blacklist     map[string]bool
	repoPatterns  []*regexp.Regexp
	validateMIME  bool
	trackRepo     bool
	maxFileSizeMB int
	log           logrus.FieldLogger

	mu          sync.Mutex
	files       []FileDescriptor
	byType      map[FileType]int
	byExtension map[string]int
	repoPaths   map[string]struct{}
	repoOrder   []string
}

var sizeHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[?&]size=(\d+)`),
	regexp.MustCompile(`(?i)[?&]filesize=(\d+)`),
	regexp.MustCompile(`(?i)[?&]bytes=(\d+)`),
	regexp.MustCompile(`(?i)[?&]length=(\d+)`),
}

// NewClassifier builds a classifier from opts
func NewClassifier(opts Options) (*Classifier, error) {
	if opts.MaxFileSizeMB < 0 {
		return nil, fmt.Errorf("max file size must be >= 0, got %d", opts.MaxFileSizeMB)
	}

	whitelist := opts.Whitelist
	if len(whitelist) == 0 {
		if len(opts.FileTypes) > 0 {
			whitelist = ExtensionsFor(opts.FileTypes...)
		} else {
			whitelist = DefaultWhitelist()
		}
	}
	blacklist := opts.Blacklist
	if blacklist == nil {
		blacklist = DefaultBlacklist
	}
	patterns := opts.RepositoryPatterns
	if len(patterns) == 0 {
		patterns = DefaultRepositoryPatterns
	}

	c := &Classifier{
		whitelist:     normalizeExtensions(whitelist),
		blacklist:     normalizeExtensions(blacklist),
		validateMIME:  !opts.DisableMIMEValidation,
		trackRepo:     !opts.DisableRepositoryPaths,
		maxFileSizeMB: opts.MaxFileSizeMB,
		log:           logrus.WithField("component", "classifier"),
	}

	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p, err)
		}
		c.repoPatterns = append(c.repoPatterns, re)
	}

	c.Reset()
	return c, nil
}

// SetLogger replaces the classifier's logger
func (c *Classifier) SetLogger(log logrus.FieldLogger) {
	if log != nil {
		c.log = log
	}
}

// normalizeExtensions lower-cases extensions and adds the leading dot
func normalizeExtensions(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = true
	}
	return set
}

// Classify returns a descriptor when rawURL points at an accepted file
func (c *Classifier) Classify(rawURL string) (FileDescriptor, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		c.log.Debugf("Unparseable URL %s: %v", rawURL, err)
		return FileDescriptor{}, false
	}

	urlPath := parsed.Path // already unescaped
	filename := path.Base(urlPath)
	if filename == "" || filename == "." || filename == "/" || !strings.Contains(filename, ".") {
		return FileDescriptor{}, false
	}

	ext := strings.ToLower(path.Ext(filename))
	if ext == "" || ext == "." || ext == strings.ToLower(filename) {
		// A bare dotfile such as ".pdf" has no extension, only a name
		return FileDescriptor{}, false
	}
	if c.blacklist[ext] {
		return FileDescriptor{}, false
	}
	if !c.whitelist[ext] {
		return FileDescriptor{}, false
	}

	mimeType := guessMIME(ext)
	if c.validateMIME && mimeType != "" && !c.expectedMIME(mimeType, ext) {
		// Servers mis-report MIME types often enough that a mismatch is only noted
		c.log.Debugf("Unexpected MIME type %s for extension %s, accepting %s", mimeType, ext, rawURL)
	}

	if c.maxFileSizeMB > 0 && !c.withinSizeHint(rawURL) {
		c.log.Debugf("Size hint over %d MB, skipping %s", c.maxFileSizeMB, rawURL)
		return FileDescriptor{}, false
	}

	var repoPath string
	if c.trackRepo {
		repoPath = c.repositoryPath(urlPath)
	}

	desc := FileDescriptor{
		URL:            rawURL,
		Filename:       filename,
		Extension:      ext,
		FileType:       TypeOf(ext),
		MIMEType:       mimeType,
		RepositoryPath: repoPath,
		DiscoveredAt:   time.Now(),
	}

	c.record(desc)
	c.log.Debugf("Discovered %s file: %s", desc.FileType, filename)
	return desc, true
}

// guessMIME infers a media type from the extension, without parameters
func guessMIME(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
		return t
	}
	if expected, ok := expectedMIME[ext]; ok {
		return expected[0]
	}
	return ""
}

func (c *Classifier) expectedMIME(mimeType, ext string) bool {
	expected, ok := expectedMIME[ext]
	if !ok {
		return true
	}
	for _, m := range expected {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	return false
}

func (c *Classifier) withinSizeHint(rawURL string) bool {
	for _, re := range sizeHintPatterns {
		m := re.FindStringSubmatch(rawURL)
		if m == nil {
			continue
		}
		size, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		return float64(size)/(1024*1024) <= float64(c.maxFileSizeMB)
	}
	return true
}

// repositoryPath returns the path prefix up to the earliest-ending repository
// match, without its trailing slash. Ties go to the earlier pattern.
func (c *Classifier) repositoryPath(urlPath string) string {
	best := -1
	for _, re := range c.repoPatterns {
		loc := re.FindStringIndex(urlPath)
		if loc == nil {
			continue
		}
		if best == -1 || loc[1] < best {
			best = loc[1]
		}
	}
	if best == -1 {
		return ""
	}
	return strings.TrimRight(urlPath[:best], "/")
}

func (c *Classifier) record(desc FileDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files = append(c.files, desc)
	c.byType[desc.FileType]++
	c.byExtension[desc.Extension]++
	if desc.RepositoryPath != "" {
		if _, ok := c.repoPaths[desc.RepositoryPath]; !ok {
			c.repoPaths[desc.RepositoryPath] = struct{}{}
			c.repoOrder = append(c.repoOrder, desc.RepositoryPath)
		}
	}
}

// Stats returns a copy of the running tally
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		TotalFiles:      len(c.files),
		ByType:          make(map[FileType]int, len(c.byType)),
		ByExtension:     make(map[string]int, len(c.byExtension)),
		RepositoryPaths: append([]string(nil), c.repoOrder...),
	}
	for k, v := range c.byType {
		s.ByType[k] = v
	}
	for k, v := range c.byExtension {
		s.ByExtension[k] = v
	}
	return s
}

// Files returns accepted files in discovery order, filtered by type when given
func (c *Classifier) Files(types ...FileType) []FileDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(types) == 0 {
		return append([]FileDescriptor(nil), c.files...)
	}
	want := make(map[FileType]bool, len(types))
	for _, ft := range types {
		want[ft] = true
	}
	var out []FileDescriptor
	for _, f := range c.files {
		if want[f.FileType] {
			out = append(out, f)
		}
	}
	return out
}

// RepositoryInventory groups accepted files by repository path; files
// without one are listed under "unknown".
func (c *Classifier) RepositoryInventory() map[string][]FileDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	inv := make(map[string][]FileDescriptor)
	for _, f := range c.files {
		key := f.RepositoryPath
		if key == "" {
			key = "unknown"
		}
		inv[key] = append(inv[key], f)
	}
	return inv
}

// Reset clears the tally
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files = nil
	c.byType = make(map[FileType]int)
	c.byExtension = make(map[string]int)
	c.repoPaths = make(map[string]struct{})
	c.repoOrder = nil
}
