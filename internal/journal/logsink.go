package journal

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogSink 以 JSON 行写入独立的轮转文件，与运行日志分开
type LogSink struct {
	logger *logrus.Logger
	closer io.Closer
}

// NewLogSink path 为空时写入 w（测试用）
func NewLogSink(path string, w io.Writer) (*LogSink, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000000Z07:00"})
	l.SetLevel(logrus.InfoLevel)

	s := &LogSink{logger: l}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		}
		l.SetOutput(lj)
		s.closer = lj
	} else if w != nil {
		l.SetOutput(w)
	} else {
		l.SetOutput(io.Discard)
	}
	return s, nil
}

func (s *LogSink) Record(e Entry) {
	fields := logrus.Fields{"kind": e.Kind}
	if e.ClientID != "" {
		fields["client_id"] = e.ClientID
	}
	if e.From != "" {
		fields["from"] = e.From
	}
	if e.To != "" {
		fields["to"] = e.To
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	for k, v := range e.Fields {
		fields[k] = v
	}
	s.logger.WithFields(fields).WithTime(e.Time).Info(e.Kind)
}

func (s *LogSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
