package nodes

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// rowsToTable drains a pgx result set into a table
func rowsToTable(rows interface {
	Next() bool
	Values() ([]any, error)
	Err() error
}, names []string) (*table.Table, error) {
	var raw [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		raw = append(raw, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return table.FromRows(names, raw)
}

// ---------------------------------------------------------------------------
// table_reader

type tableReader struct {
	base
	schema string
	table  string
	where  string
	limit  int
}

func newTableReader(id string, cfg map[string]any) (Node, error) {
	name, err := cfgRequireString(cfg, "table_name")
	if err != nil {
		if name, err = cfgRequireString(cfg, "table"); err != nil {
			return nil, err
		}
	}
	n := &tableReader{
		base:   newBase(id, TypeTableReader, cfg),
		schema: cfgString(cfg, "schema", "public"),
		table:  name,
		where:  cfgString(cfg, "where_condition", cfgString(cfg, "where", "")),
		limit:  cfgInt(cfg, "limit", 0),
	}
	if err := validIdent(n.schema); err != nil {
		return nil, err
	}
	if err := validIdent(n.table); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *tableReader) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	if ec.Deps == nil || ec.Deps.DB == nil {
		return nil, fmt.Errorf("no database handle available")
	}
	if err := ec.Deps.Authorizer.CanRead(ctx, ec.UserContext, n.schema, n.table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT * FROM %q.%q`, n.schema, n.table)
	if n.where != "" {
		query += " WHERE " + n.where
	}
	if n.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", n.limit)
	}

	rows, err := ec.Deps.DB.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read table %s.%s: %w", n.schema, n.table, err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for _, fd := range rows.FieldDescriptions() {
		names = append(names, string(fd.Name))
	}
	return rowsToTable(rows, names)
}

// ---------------------------------------------------------------------------
// custom_sql

type customSQL struct {
	base
	query      string
	parameters map[string]any
	paramMap   map[string]string
}

var namedParamPattern = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

func newCustomSQL(id string, cfg map[string]any) (Node, error) {
	query, err := cfgRequireString(cfg, "sql_query")
	if err != nil {
		if query, err = cfgRequireString(cfg, "query"); err != nil {
			return nil, err
		}
	}

	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "WITH") {
		return nil, fmt.Errorf("only read-only statements are allowed")
	}

	return &customSQL{
		base:       newBase(id, TypeCustomSQL, cfg),
		query:      query,
		parameters: cfgMap(cfg, "parameters"),
		paramMap:   cfgStringMap(cfg, "parameter_mapping"),
	}, nil
}

func (n *customSQL) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	if ec.Deps == nil || ec.Deps.DB == nil {
		return nil, fmt.Errorf("no database handle available")
	}

	// Resolve named parameter values: static config first, then values
	// pulled from the input map / global variables via parameter_mapping.
	resolved := make(map[string]any, len(n.parameters))
	for k, v := range n.parameters {
		resolved[k] = v
	}
	for param, source := range n.paramMap {
		if v, ok := in.Get(source); ok {
			resolved[param] = v
		} else if v, ok := ec.GlobalVariables[source]; ok {
			resolved[param] = v
		}
	}

	// Translate :name placeholders to positional pgx arguments
	var args []any
	sql := namedParamPattern.ReplaceAllStringFunc(n.query, func(m string) string {
		name := m[1:]
		v, ok := resolved[name]
		if !ok {
			v = nil
		}
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	})

	rows, err := ec.Deps.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for _, fd := range rows.FieldDescriptions() {
		names = append(names, string(fd.Name))
	}
	return rowsToTable(rows, names)
}

// ---------------------------------------------------------------------------
// file_input

type fileInput struct {
	base
	path    string
	format  string
	options map[string]any
}

func newFileInput(id string, cfg map[string]any) (Node, error) {
	path, err := cfgRequireString(cfg, "file_path")
	if err != nil {
		if path, err = cfgRequireString(cfg, "path"); err != nil {
			return nil, err
		}
	}
	return &fileInput{
		base:    newBase(id, TypeFileInput, cfg),
		path:    path,
		format:  cfgString(cfg, "file_type", cfgString(cfg, "format", "auto")),
		options: cfgMap(cfg, "read_options"),
	}, nil
}

func (n *fileInput) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	format := n.format
	if format == "" || format == "auto" {
		switch strings.ToLower(filepath.Ext(n.path)) {
		case ".csv":
			format = "csv"
		case ".json":
			format = "json"
		case ".xlsx", ".xls":
			format = "excel"
		case ".parquet":
			format = "parquet"
		default:
			return nil, fmt.Errorf("cannot detect format of %s", n.path)
		}
	}

	info, err := os.Stat(n.path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	// Re-parse only when the file changed since the cached copy
	cacheKey := fmt.Sprintf("file:%s:%s:%d", n.path, format, info.ModTime().UnixNano())
	if ec.Deps != nil && ec.Deps.FileCache != nil {
		if cached, ok, _ := ec.Deps.FileCache.Get(ctx, cacheKey); ok {
			if t, isTable := cached.(*table.Table); isTable {
				return t, nil
			}
		}
	}

	var parsed *table.Table
	switch format {
	case "csv":
		parsed, err = n.readCSV()
	case "json":
		parsed, err = n.readJSON()
	case "excel", "parquet":
		return nil, fmt.Errorf("format %q is not supported by this build", format)
	default:
		return nil, fmt.Errorf("unknown file format %q", format)
	}
	if err != nil {
		return nil, err
	}

	if ec.Deps != nil && ec.Deps.FileCache != nil {
		_ = ec.Deps.FileCache.Set(ctx, cacheKey, parsed, 5*time.Minute)
	}
	return parsed, nil
}

func (n *fileInput) readCSV() (*table.Table, error) {
	f, err := os.Open(n.path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if delim := cfgString(n.options, "delimiter", ","); len(delim) == 1 {
		reader.Comma = rune(delim[0])
	}

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var rows [][]any
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		row := make([]any, len(record))
		for i, cell := range record {
			row[i] = parseCSVCell(cell)
		}
		rows = append(rows, row)
	}
	return table.FromRows(header, rows)
}

func (n *fileInput) readJSON() (*table.Table, error) {
	raw, err := os.ReadFile(n.path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return tabulate(decoded)
}

// parseCSVCell guesses a typed value for one csv cell
func parseCSVCell(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if v, err := table.Coerce(trimmed, table.TypeInt); err == nil {
		// Preserve strings like "007"; only treat canonical integers as ints
		if table.FormatValue(v) == trimmed {
			return v
		}
	}
	if v, err := table.Coerce(trimmed, table.TypeFloat); err == nil {
		if strings.ContainsAny(trimmed, ".eE") {
			return v
		}
	}
	if trimmed == "true" || trimmed == "false" {
		return trimmed == "true"
	}
	return s
}

// ---------------------------------------------------------------------------
// api_endpoint

type apiEndpoint struct {
	base
	url      string
	method   string
	headers  map[string]string
	params   map[string]any
	paramMap map[string]string
	timeout  time.Duration
	dataKey  string
}

func newAPIEndpoint(id string, cfg map[string]any) (Node, error) {
	u, err := cfgRequireString(cfg, "api_url")
	if err != nil {
		if u, err = cfgRequireString(cfg, "url"); err != nil {
			return nil, err
		}
	}
	return &apiEndpoint{
		base:     newBase(id, TypeAPIEndpoint, cfg),
		url:      u,
		method:   strings.ToUpper(cfgString(cfg, "method", http.MethodGet)),
		headers:  cfgStringMap(cfg, "headers"),
		params:   cfgMap(cfg, "params"),
		paramMap: cfgStringMap(cfg, "parameter_mapping"),
		timeout:  time.Duration(cfgInt(cfg, "timeout", 30)) * time.Second,
		dataKey:  cfgString(cfg, "data_key", ""),
	}, nil
}

func (n *apiEndpoint) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	client := http.DefaultClient
	if ec.Deps != nil && ec.Deps.HTTPClient != nil {
		client = ec.Deps.HTTPClient
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, n.method, n.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	query := url.Values{}
	for k, v := range n.params {
		query.Set(k, table.FormatValue(v))
	}
	for param, source := range n.paramMap {
		if v, ok := in.Get(source); ok {
			query.Set(param, table.FormatValue(v))
		} else if v, ok := ec.GlobalVariables[source]; ok {
			query.Set(param, table.FormatValue(v))
		}
	}
	req.URL.RawQuery = query.Encode()
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", n.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", n.url, resp.StatusCode)
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if obj, ok := decoded.(map[string]any); ok && n.dataKey != "" {
		if inner, exists := obj[n.dataKey]; exists {
			decoded = inner
		}
	}
	return tabulate(decoded)
}

// ---------------------------------------------------------------------------
// static_data

type staticData struct {
	base
	source string
}

func newStaticData(id string, cfg map[string]any) (Node, error) {
	source := cfgString(cfg, "data_source", cfgString(cfg, "source", ""))
	switch source {
	case "text", "json", "array":
	default:
		return nil, fmt.Errorf("data_source must be text, json, or array (got %q)", source)
	}
	return &staticData{base: newBase(id, TypeStaticData, cfg), source: source}, nil
}

func (n *staticData) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	switch n.source {
	case "text":
		return n.fromText()
	case "json":
		return n.fromJSON()
	default:
		return n.fromArray()
	}
}

func (n *staticData) fromText() (*table.Table, error) {
	text, err := cfgRequireString(n.config, "text_data")
	if err != nil {
		return nil, err
	}
	delim := cfgString(n.config, "delimiter", ",")

	reader := csv.NewReader(strings.NewReader(text))
	if len(delim) == 1 {
		reader.Comma = rune(delim[0])
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse text data: %w", err)
	}
	if len(records) == 0 {
		return table.New(), nil
	}

	rows := make([][]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]any, len(record))
		for i, cell := range record {
			row[i] = parseCSVCell(cell)
		}
		rows = append(rows, row)
	}
	return table.FromRows(records[0], rows)
}

func (n *staticData) fromJSON() (*table.Table, error) {
	raw := n.config["json_data"]
	if s, ok := raw.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("parse json_data: %w", err)
		}
		raw = decoded
	}
	if raw == nil {
		return nil, fmt.Errorf("config %q is required", "json_data")
	}
	return tabulate(raw)
}

func (n *staticData) fromArray() (*table.Table, error) {
	columns := cfgStringSlice(n.config, "columns")
	data := cfgSlice(n.config, "array_data")
	if data == nil {
		data = cfgSlice(n.config, "data")
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("config %q is required", "columns")
	}

	rows := make([][]any, 0, len(data))
	for i, item := range data {
		rowVals, ok := item.([]any)
		if !ok {
			return nil, fmt.Errorf("array_data[%d] is not an array", i)
		}
		rows = append(rows, rowVals)
	}
	return table.FromRows(columns, rows)
}

// ---------------------------------------------------------------------------
// webhook_listener

type webhookListener struct {
	base
}

func newWebhookListener(id string, cfg map[string]any) (Node, error) {
	return &webhookListener{base: newBase(id, TypeWebhookListener, cfg)}, nil
}

func (n *webhookListener) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	payload, ok := in.Get("webhook_data")
	if !ok {
		// Nothing delivered by the dispatch layer; emit an empty table
		return table.New(), nil
	}
	return tabulate(payload)
}
