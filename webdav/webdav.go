package webdav

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/studio-b12/gowebdav"

	"KelivoSync/models"
)

// AuthError 表示认证失败（401），不应重试
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("WebDAV 认证失败: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError 表示其他传输失败，携带状态码（未知时为 0）
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("WebDAV 请求失败（状态码 %d）: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("WebDAV 请求失败: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport 封装对单个 WebDAV 远端的操作
type Transport struct {
	client *gowebdav.Client
	cfg    models.WebDavConfig
	logger zerolog.Logger
}

// NewTransport 创建传输层，用户名非空时 gowebdav 自动附加 Basic 认证
func NewTransport(cfg models.WebDavConfig, logger zerolog.Logger) *Transport {
	client := gowebdav.NewClient(cfg.URL, cfg.Username, cfg.Password)
	client.SetInterceptor(func(method string, rq *http.Request) {
		if method == "PUT" {
			rq.Header.Set("Content-Type", "application/zip")
		}
	})
	return &Transport{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// statusOf 从 gowebdav 错误中提取 HTTP 状态码
func statusOf(err error) int {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if se, ok := pe.Err.(gowebdav.StatusError); ok {
			return se.Status
		}
	}
	var se gowebdav.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// wrap 按状态码归类错误：401 为认证错误，其余为传输错误
func wrap(err error) error {
	if err == nil {
		return nil
	}
	status := statusOf(err)
	if status == http.StatusUnauthorized {
		return &AuthError{Err: err}
	}
	return &TransportError{Status: status, Err: err}
}

// EnsureCollection 从基础地址起逐段探测并创建集合，可重复调用。
// 已存在（含 405 Method Not Allowed）视为成功
func (t *Transport) EnsureCollection() error {
	normalized := t.cfg.NormalizedPath()
	if normalized == "" {
		return nil
	}
	prefix := ""
	for _, seg := range strings.Split(normalized, "/") {
		prefix = prefix + "/" + seg
		_, err := t.client.Stat(prefix)
		if err == nil {
			continue
		}
		if !gowebdav.IsErrNotFound(err) {
			return wrap(err)
		}
		t.logger.Info().Msgf("云端集合 %s 不存在，正在创建", prefix)
		if err := t.client.Mkdir(prefix, 0o755); err != nil {
			status := statusOf(err)
			if status == http.StatusMethodNotAllowed || status == http.StatusConflict {
				continue
			}
			return wrap(err)
		}
	}
	return nil
}

// backupNamePattern 匹配文件名中内嵌的时间戳
// （ISO-8601，时间部分的冒号替换为连字符）
var backupNamePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}`)

// TimeFromName 从文件名恢复时间戳，无法恢复时返回 nil
func TimeFromName(name string) *time.Time {
	token := backupNamePattern.FindString(name)
	if token == "" {
		return nil
	}
	ts, err := time.Parse("2006-01-02T15-04-05", token)
	if err != nil {
		return nil
	}
	return &ts
}

// remotePath 拼出集合内文件的远端路径，集合路径为空时直接落在根下
func (t *Transport) remotePath(name string) string {
	if p := t.cfg.NormalizedPath(); p != "" {
		return "/" + p + "/" + name
	}
	return "/" + name
}

// List 列出集合内全部备份文件，按时间倒序排列，
// 子集合和集合自身条目被跳过
func (t *Transport) List() ([]models.BackupFileItem, error) {
	dir := "/" + t.cfg.NormalizedPath()
	infos, err := t.client.ReadDir(dir)
	if err != nil {
		return nil, wrap(err)
	}

	var items []models.BackupFileItem
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		item := models.BackupFileItem{
			Path: t.remotePath(fi.Name()),
			Name: fi.Name(),
			Size: fi.Size(),
		}
		// gowebdav 对缺失的 getlastmodified 返回 Unix 零点
		if mod := fi.ModTime(); !mod.IsZero() && mod.Unix() > 0 {
			m := mod
			item.LastModified = &m
		} else {
			item.LastModified = TimeFromName(fi.Name())
		}
		items = append(items, item)
	}
	SortItems(items)
	return items, nil
}

// SortItems 按修改时间倒序排列，缺失时间的条目排在最后
func SortItems(items []models.BackupFileItem) {
	sort.Slice(items, func(i, j int) bool {
		var ti, tj time.Time
		if items[i].LastModified != nil {
			ti = *items[i].LastModified
		}
		if items[j].LastModified != nil {
			tj = *items[j].LastModified
		}
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return items[i].Name > items[j].Name
	})
}

// Upload 上传备份文件到集合内
func (t *Transport) Upload(data []byte, name string) error {
	if err := t.client.Write(t.remotePath(name), data, 0o644); err != nil {
		return wrap(err)
	}
	t.logger.Info().Msgf("已上传 %s（%d 字节）", name, len(data))
	return nil
}

// Download 下载一个备份文件
func (t *Transport) Download(item models.BackupFileItem) ([]byte, error) {
	data, err := t.client.Read(item.Path)
	if err != nil {
		return nil, wrap(err)
	}
	return data, nil
}

// Delete 删除一个备份文件
func (t *Transport) Delete(item models.BackupFileItem) error {
	if err := t.client.Remove(item.Path); err != nil {
		return wrap(err)
	}
	t.logger.Info().Msgf("已删除云端备份 %s", item.Name)
	return nil
}
