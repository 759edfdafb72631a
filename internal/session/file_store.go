package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	xerrors "AgentHive/internal/errors"
)

// FileStore 把会话保存为 <dir>/<agent>_<surface>.json 文件。
// 适合单机部署，文件内容是明文凭据，目录权限限定为当前用户。
type FileStore struct {
	dir string
}

// NewFileStore 创建文件会话存储，目录不存在时自动创建。
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, xerrors.Wrap(CodeSessionStorage, err, "创建会话目录失败")
	}
	return &FileStore{dir: dir}, nil
}

// Load 读取指定组合的会话。
func (s *FileStore) Load(_ context.Context, agent, surface string) (*Session, error) {
	data, err := os.ReadFile(s.path(agent, surface))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(CodeSessionStorage, err, "读取会话文件失败")
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, xerrors.Wrap(CodeSessionStorage, err, "解析会话文件失败")
	}
	return &sess, nil
}

// Save 覆盖写入会话文件。
func (s *FileStore) Save(_ context.Context, sess *Session) error {
	if sess == nil || sess.Agent == "" || sess.Surface == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话缺少 agent 或 surface")
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return xerrors.Wrap(CodeSessionStorage, err, "序列化会话失败")
	}
	path := s.path(sess.Agent, sess.Surface)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return xerrors.Wrap(CodeSessionStorage, err, "写入会话文件失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrap(CodeSessionStorage, err, "替换会话文件失败")
	}
	return nil
}

// Delete 删除会话文件，文件不存在时视为成功。
func (s *FileStore) Delete(_ context.Context, agent, surface string) error {
	err := os.Remove(s.path(agent, surface))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrap(CodeSessionStorage, err, "删除会话文件失败")
	}
	return nil
}

// Close 无需释放资源。
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(agent, surface string) string {
	name := fmt.Sprintf("%s_%s.json", sanitize(agent), sanitize(surface))
	return filepath.Join(s.dir, name)
}

// sanitize 过滤文件名中的分隔符，避免拼出目录之外的路径。
func sanitize(part string) string {
	part = strings.TrimSpace(strings.ToLower(part))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, part)
}

var _ Store = (*FileStore)(nil)
