package pool

import "github.com/WhileEndless/go-rawpool/pkg/logging"

var log = logging.For("pool")
