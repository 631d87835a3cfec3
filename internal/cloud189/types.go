package cloud189

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// RootFolderID is the identifier Cloud189 uses for the account root folder.
const RootFolderID = "-11"

// Entry is a single child of a folder listing, normalized from the API's
// inconsistent field names (fileId/id, fileName/name).
type Entry struct {
	ID       string
	Name     string
	ParentID string
	IsFolder bool
	Size     int64
}

// FolderPage is one page of a folder listing.
type FolderPage struct {
	Entries     []Entry
	RecordCount int
}

// Link is a direct download URL with its provider-issued expiry. Expiry is
// zero when the URL carries no expiry hint.
type Link struct {
	URL    string
	Expiry time.Time
}

// UserInfo is the subset of the account profile used for session checks.
type UserInfo struct {
	LoginName string
	Nickname  string
}

// flexString decodes a JSON string or number into its textual form. Cloud189
// returns identifiers and res_code as either, depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		*f = flexString(s)

		return nil
	}

	*f = flexString(data)

	return nil
}

// flexBool decodes true/false, 1/0 and "true"/"1" into a bool.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	*f = flexBool(s == "true" || s == "1")

	return nil
}

// fileItem mirrors one element of listFiles.action's data array.
// Unexported - callers use Entry via toEntry().
type fileItem struct {
	FileID   flexString `json:"fileId"`
	ID       flexString `json:"id"`
	FileName string     `json:"fileName"`
	Name     string     `json:"name"`
	ParentID flexString `json:"parentId"`
	IsFolder flexBool   `json:"isFolder"`
	FileSize int64      `json:"fileSize"`
	Size     int64      `json:"size"`
}

func (f *fileItem) toEntry() Entry {
	e := Entry{
		ID:       string(f.FileID),
		Name:     f.FileName,
		ParentID: string(f.ParentID),
		IsFolder: bool(f.IsFolder),
		Size:     f.FileSize,
	}

	if e.ID == "" {
		e.ID = string(f.ID)
	}

	if e.Name == "" {
		e.Name = f.Name
	}

	if e.Size == 0 {
		e.Size = f.Size
	}

	return e
}

type listFilesResponse struct {
	Data        []fileItem `json:"data"`
	FileList    []fileItem `json:"fileList"`
	RecordCount int        `json:"recordCount"`
}

type videoURLResponse struct {
	Normal struct {
		URL string `json:"url"`
	} `json:"normal"`
}

type downloadURLResponse struct {
	FileDownloadURL string `json:"fileDownloadUrl"`
	DownloadURL     string `json:"downloadUrl"`
}

type userInfoResponse struct {
	LoginName string `json:"loginName"`
	Nickname  string `json:"nickname"`
}
