package nodes

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// Sinks have observable side effects but always return their input table
// unchanged so the pipeline can continue past them.

// ---------------------------------------------------------------------------
// table_writer

type tableWriter struct {
	base
	schema   string
	table    string
	ifExists string
}

func newTableWriter(id string, cfg map[string]any) (Node, error) {
	name, err := cfgRequireString(cfg, "table_name")
	if err != nil {
		if name, err = cfgRequireString(cfg, "table"); err != nil {
			return nil, err
		}
	}
	ifExists := cfgString(cfg, "if_exists", "append")
	switch ifExists {
	case "append", "replace", "fail":
	default:
		return nil, fmt.Errorf("if_exists must be append, replace, or fail (got %q)", ifExists)
	}
	n := &tableWriter{
		base:     newBase(id, TypeTableWriter, cfg),
		schema:   cfgString(cfg, "schema", "public"),
		table:    name,
		ifExists: ifExists,
	}
	if err := validIdent(n.schema); err != nil {
		return nil, err
	}
	if err := validIdent(n.table); err != nil {
		return nil, err
	}
	return n, nil
}

func pgType(t table.ColType) string {
	switch t {
	case table.TypeInt:
		return "BIGINT"
	case table.TypeFloat:
		return "DOUBLE PRECISION"
	case table.TypeBool:
		return "BOOLEAN"
	case table.TypeTime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (n *tableWriter) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	if ec.Deps == nil || ec.Deps.DB == nil {
		return nil, fmt.Errorf("no database handle available")
	}
	if err := ec.Deps.Authorizer.CanWrite(ctx, ec.UserContext, n.schema, n.table); err != nil {
		return nil, err
	}

	qualified := fmt.Sprintf("%q.%q", n.schema, n.table)

	if n.ifExists == "fail" {
		var regclass *string
		rows, err := ec.Deps.DB.Query(ctx, `SELECT to_regclass($1)::text`, fmt.Sprintf("%s.%s", n.schema, n.table))
		if err != nil {
			return nil, fmt.Errorf("check table existence: %w", err)
		}
		if rows.Next() {
			_ = rows.Scan(&regclass)
		}
		rows.Close()
		if regclass != nil {
			return nil, fmt.Errorf("table %s.%s already exists", n.schema, n.table)
		}
	}

	// Create the target from the table's column types when absent
	var defs []string
	for _, c := range t.Columns {
		if err := validIdent(c.Name); err != nil {
			return nil, fmt.Errorf("column name: %w", err)
		}
		defs = append(defs, fmt.Sprintf("%q %s", c.Name, pgType(c.Type)))
	}
	if _, err := ec.Deps.DB.Exec(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualified, strings.Join(defs, ", "))); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}

	if n.ifExists == "replace" {
		if _, err := ec.Deps.DB.Exec(ctx, "TRUNCATE TABLE "+qualified); err != nil {
			return nil, fmt.Errorf("truncate table: %w", err)
		}
	}

	if t.NumRows() > 0 {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = fmt.Sprintf("%q", c.Name)
		}
		placeholders := make([]string, len(t.Columns))
		for i := range placeholders {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			qualified, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

		for _, row := range t.Rows {
			if _, err := ec.Deps.DB.Exec(ctx, insert, row...); err != nil {
				return nil, fmt.Errorf("insert row: %w", err)
			}
		}
	}

	ec.Log().WithNodeID(n.id).Info("wrote table",
		"target", fmt.Sprintf("%s.%s", n.schema, n.table),
		"rows", t.NumRows(), "if_exists", n.ifExists)
	return t, nil
}

// ---------------------------------------------------------------------------
// file_writer

type fileWriter struct {
	base
	path   string
	format string
}

func newFileWriter(id string, cfg map[string]any) (Node, error) {
	path, err := cfgRequireString(cfg, "file_path")
	if err != nil {
		if path, err = cfgRequireString(cfg, "path"); err != nil {
			return nil, err
		}
	}
	format := cfgString(cfg, "file_format", cfgString(cfg, "format", "csv"))
	if format != "csv" && format != "json" {
		return nil, fmt.Errorf("file_format must be csv or json (got %q)", format)
	}
	return &fileWriter{base: newBase(id, TypeFileWriter, cfg), path: path, format: format}, nil
}

func (n *fileWriter) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch n.format {
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(t.ColumnNames()); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		for _, row := range t.Rows {
			record := make([]string, len(row))
			for i, cell := range row {
				record[i] = table.FormatValue(cell)
			}
			if err := w.Write(record); err != nil {
				return nil, fmt.Errorf("write csv row: %w", err)
			}
		}
		w.Flush()
		payload = buf.Bytes()
	case "json":
		encoded, err := json.MarshalIndent(t.Records(), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		payload = encoded
	}

	if err := os.WriteFile(n.path, payload, 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	ec.Log().WithNodeID(n.id).Info("wrote file", "path", n.path, "format", n.format, "rows", t.NumRows())
	return t, nil
}

// ---------------------------------------------------------------------------
// api_request

type apiRequest struct {
	base
	url        string
	method     string
	headers    map[string]string
	timeout    time.Duration
	dataFormat string
}

func newAPIRequest(id string, cfg map[string]any) (Node, error) {
	u, err := cfgRequireString(cfg, "api_url")
	if err != nil {
		if u, err = cfgRequireString(cfg, "url"); err != nil {
			return nil, err
		}
	}
	method := strings.ToUpper(cfgString(cfg, "method", http.MethodPost))
	if method != http.MethodPost && method != http.MethodPut {
		return nil, fmt.Errorf("method must be POST or PUT (got %q)", method)
	}
	dataFormat := cfgString(cfg, "data_format", "json")
	if dataFormat != "json" && dataFormat != "csv" {
		return nil, fmt.Errorf("data_format must be json or csv (got %q)", dataFormat)
	}
	return &apiRequest{
		base:       newBase(id, TypeAPIRequest, cfg),
		url:        u,
		method:     method,
		headers:    cfgStringMap(cfg, "headers"),
		timeout:    time.Duration(cfgInt(cfg, "timeout", 30)) * time.Second,
		dataFormat: dataFormat,
	}, nil
}

func (n *apiRequest) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	client := http.DefaultClient
	if ec.Deps != nil && ec.Deps.HTTPClient != nil {
		client = ec.Deps.HTTPClient
	}

	var body []byte
	contentType := "application/json"
	if n.dataFormat == "json" {
		body, err = json.Marshal(t.Records())
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	} else {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write(t.ColumnNames())
		for _, row := range t.Rows {
			record := make([]string, len(row))
			for i, cell := range row {
				record[i] = table.FormatValue(cell)
			}
			_ = w.Write(record)
		}
		w.Flush()
		body = buf.Bytes()
		contentType = "text/csv"
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, n.method, n.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver to %s: %w", n.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("deliver to %s: status %d", n.url, resp.StatusCode)
	}

	ec.Log().WithNodeID(n.id).Info("delivered table", "url", n.url, "rows", t.NumRows())
	return t, nil
}

// ---------------------------------------------------------------------------
// display_results

type displayResults struct {
	base
	showSummary bool
	maxRows     int
}

func newDisplayResults(id string, cfg map[string]any) (Node, error) {
	return &displayResults{
		base:        newBase(id, TypeDisplayResults, cfg),
		showSummary: cfgBool(cfg, "show_summary", true),
		maxRows:     cfgInt(cfg, "max_rows", 100),
	}, nil
}

func (n *displayResults) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	if n.showSummary {
		ec.Log().WithNodeID(n.id).Info("display results",
			"rows", t.NumRows(),
			"columns", t.ColumnNames(),
			"dtypes", t.DTypes(),
			"shown", minInt(t.NumRows(), n.maxRows),
		)
	}
	return t, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ---------------------------------------------------------------------------
// send_notification

type sendNotification struct {
	base
	channel string
}

func newSendNotification(id string, cfg map[string]any) (Node, error) {
	channel := cfgString(cfg, "notification_type", cfgString(cfg, "channel", ""))
	if channel != "email" && channel != "webhook" {
		return nil, fmt.Errorf("notification_type must be email or webhook (got %q)", channel)
	}
	return &sendNotification{base: newBase(id, TypeSendNotification, cfg), channel: channel}, nil
}

func (n *sendNotification) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}

	summary := map[string]any{
		"row_count":    t.NumRows(),
		"column_count": t.NumCols(),
		"columns":      t.ColumnNames(),
	}

	if n.channel == "email" {
		if ec.Deps == nil || ec.Deps.Mailer == nil {
			return nil, fmt.Errorf("no mailer available")
		}
		to := cfgStringSlice(n.config, "to_emails")
		if len(to) == 0 {
			return nil, fmt.Errorf("config %q is required", "to_emails")
		}
		body := cfgString(n.config, "email_template", "Pipeline finished with {row_count} rows.")
		body = strings.ReplaceAll(body, "{row_count}", fmt.Sprintf("%d", t.NumRows()))
		body = strings.ReplaceAll(body, "{column_count}", fmt.Sprintf("%d", t.NumCols()))

		msg := EmailMessage{
			Server:   cfgString(n.config, "smtp_server", ""),
			Port:     cfgInt(n.config, "smtp_port", 587),
			Username: cfgString(n.config, "smtp_username", ""),
			Password: cfgString(n.config, "smtp_password", ""),
			From:     cfgString(n.config, "from_email", ""),
			To:       to,
			Subject:  cfgString(n.config, "subject", "Data pipeline notification"),
			Body:     body,
		}
		if err := ec.Deps.Mailer.Send(ctx, msg); err != nil {
			return nil, fmt.Errorf("send email: %w", err)
		}
		ec.Log().WithNodeID(n.id).Info("notification sent", "channel", "email", "recipients", len(to))
		return t, nil
	}

	// webhook
	webhookURL, err := cfgRequireString(n.config, "webhook_url")
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"execution_id": ec.ExecutionID,
		"data_summary": summary,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if cfgBool(n.config, "include_sample_data", false) {
		sample := cfgInt(n.config, "sample_size", 5)
		payload["sample_data"] = t.Head(sample).Records()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	timeout := time.Duration(cfgInt(n.config, "timeout", 30)) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfgStringMap(n.config, "headers") {
		req.Header.Set(k, v)
	}

	client := http.DefaultClient
	if ec.Deps != nil && ec.Deps.HTTPClient != nil {
		client = ec.Deps.HTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify %s: %w", webhookURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("notify %s: status %d", webhookURL, resp.StatusCode)
	}

	ec.Log().WithNodeID(n.id).Info("notification sent", "channel", "webhook")
	return t, nil
}
