package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrCorrupt 表示备份文件无法按归档格式解析
var ErrCorrupt = errors.New("备份文件已损坏，无法解析")

// Entry 表示打包时的一个条目：Dir 非空时把整个目录树
// 写入 Name/ 前缀下，否则把 Data 写为名为 Name 的文件
type Entry struct {
	Name string
	Data []byte
	Dir  string
}

// Pack 将条目按顺序打包为单个 zip 归档
func Pack(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, entry := range entries {
		if entry.Dir == "" {
			w, err := zw.Create(entry.Name)
			if err != nil {
				return nil, err
			}
			if _, err := w.Write(entry.Data); err != nil {
				return nil, err
			}
			continue
		}
		if err := packDir(zw, entry.Name, entry.Dir); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// packDir 递归写入一棵目录树，归档内路径统一为正斜杠
func packDir(zw *zip.Writer, prefix, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := path.Join(prefix, filepath.ToSlash(rel))
		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

// Unpack 将归档解包到临时暂存目录，返回目录路径，
// 调用方负责在操作结束后删除该目录
func Unpack(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	staging, err := os.MkdirTemp("", "kelivo_restore_")
	if err != nil {
		return "", err
	}

	for _, f := range zr.File {
		name := sanitizeName(f.Name)
		if name == "" {
			continue
		}
		target := filepath.Join(staging, filepath.FromSlash(name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				os.RemoveAll(staging)
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			os.RemoveAll(staging)
			return "", err
		}
		if err := extractFile(f, target); err != nil {
			os.RemoveAll(staging)
			return "", err
		}
	}
	return staging, nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// sanitizeName 规范归档内路径：统一正斜杠，
// 剔除 "." 和 ".." 段，防止恶意归档目录穿越
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	var out []string
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		out = append(out, seg)
	}
	return strings.Join(out, "/")
}
