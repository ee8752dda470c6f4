package transport

import "github.com/WhileEndless/go-rawpool/pkg/logging"

var log = logging.For("transport")
