package mitm

import (
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

// Context carries one flow through the pipeline: the flow record, both
// connection legs and the shared configuration.
type Context struct {
	logger Logger
	Flow   *Flow
	Conn   *Conn    // client leg, rewrapped as layers peel off
	Dst    net.Conn // origin leg, nil until dialed
	*Config
}

func NewContext(cfg *Config, mode Mode) *Context {
	return &Context{
		logger: ctxLogger,
		Flow:   NewFlow(mode),
		Config: cfg,
	}
}

var ctxLogger = func() *Logrus {
	logger := logrus.New()
	logger.SetFormatter(formatter(8, "ctx.go"))
	logger.SetOutput(os.Stdout)
	logger.SetReportCaller(true)
	return &Logrus{logger}
}()

func (c *Context) SetLogger(logger Logger) { c.logger = logger }

func (c *Context) SetLogLevel(level Level) { c.logger.SetLevel(level) }

func (c *Context) Fatal(args ...any) { c.logger.Log(c, FatalLevel, args...) }
func (c *Context) Error(args ...any) { c.logger.Log(c, ErrorLevel, args...) }
func (c *Context) Warn(args ...any)  { c.logger.Log(c, WarnLevel, args...) }
func (c *Context) Info(args ...any)  { c.logger.Log(c, InfoLevel, args...) }
func (c *Context) Debug(args ...any) { c.logger.Log(c, DebugLevel, args...) }

func (c *Context) Fatalf(format string, args ...any) { c.logger.Logf(c, FatalLevel, format, args...) }
func (c *Context) Errorf(format string, args ...any) { c.logger.Logf(c, ErrorLevel, format, args...) }
func (c *Context) Warnf(format string, args ...any)  { c.logger.Logf(c, WarnLevel, format, args...) }
func (c *Context) Infof(format string, args ...any)  { c.logger.Logf(c, InfoLevel, format, args...) }
func (c *Context) Debugf(format string, args ...any) { c.logger.Logf(c, DebugLevel, format, args...) }
