package database

import "time"

// Upload is one row of the append-only upload log.
type Upload struct {
	ID         int64
	Filename   string
	TableName  string
	Alias      string
	ReportName string
	UploadedAt time.Time
	Rows       int
	Cols       int
}

// Fact is one ingested data row. Fields mirror the stored text; parsing and
// classification happen at report time.
type Fact struct {
	ID        int64
	UploadID  int64
	ValidFrom *string
	Label     *string
	Unit      *string
	Amount    *float64
	Attrs     map[string]string
}

// SheetRule remembers which sheet of a workbook was ingested.
type SheetRule struct {
	ID        int64
	Filename  string
	SheetName string
	CreatedAt *string
}

// TransformRule renames or drops a column of an uploaded file.
type TransformRule struct {
	ID             int64
	Filename       string
	Sheet          string
	OriginalColumn string
	RenamedColumn  string
	Included       bool
	CreatedAt      *string
}

// ReportTable is a materialised roll-up. It is replaced as a whole on every
// run and never patched.
type ReportTable struct {
	ID          int64
	ReportName  string
	TableName   string
	Title       string
	Alias       string
	RunID       string
	Data        []byte
	RowCount    int
	WidthPx     int
	HeightPx    int
	GeneratedAt *string
}

// Run is the persisted summary of one report run.
type Run struct {
	ID         string
	ReportName string
	Cutoff     string
	ScopeStart string
	ScopeEnd   string
	Ready      bool
	Outcome    string
	Warnings   []string
	Errors     []string
	StartedAt  string
	FinishedAt string
}

// Stats contains aggregate database statistics.
type Stats struct {
	Uploads      int
	Aliases      int
	Facts        int
	SheetRules   int
	ReportTables int
	Runs         int
}
