package derecho

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"4d63.com/tz"
)

// for tons of debug output
var verbose bool = false
var verboseVerbose bool = false

var gtz *time.Location

func init() {
	var err error
	gtz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const rfc3339MsecTz0 = "2006-01-02T15:04:05.000Z07:00"
const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var myPid = os.Getpid()
var showPid bool
var showGoID bool = true

func nice(tm time.Time) string {
	return tm.Format(rfc3339MsecTz0)
}

func pp(format string, a ...interface{}) {
	if verboseVerbose {
		tsPrintf(format, a...)
	}
}

func zz(format string, a ...interface{}) {}

// useful during git bisect
var forceQuiet = false

func vv(format string, a ...interface{}) {
	if !forceQuiet {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

var tsPrintfMut sync.Mutex

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	if showPid {
		printf("\n%s [pid %v] %s ", fileLine(3), myPid, ts())
	} else {
		if showGoID {
			printf("\n%s [goID %v] %s ", fileLine(3), GoroNumber(), ts())
		} else {
			printf("\n%s %s ", fileLine(3), ts())
		}
	}
	printf(format+"\n", a...)
	tsPrintfMut.Unlock()
}

// get timestamp for logging purposes
func ts() string {
	return time.Now().In(gtz).Format(rfc3339NanoNumericTZ0pad)
}

// so we can multi write easily, use our own printf
var ourStdout io.Writer = os.Stdout

func printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(ourStdout, format, a...)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	} else {
		s = ""
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

func panicf(format string, a ...interface{}) {
	panic(fmt.Sprintf(format, a...))
}

// return stack dump for calling goroutine.
func stack() string {
	return string(debug.Stack())
}

// GoroNumber returns the calling goroutine's number.
func GoroNumber() int {
	buf := make([]byte, 48)
	nw := runtime.Stack(buf, false) // false => just us, no other goro.
	buf = buf[:nw]

	// prefix "goroutine " is len 10.
	i := 10
	for buf[i] != ' ' && i < 30 {
		i++
	}
	n, err := strconv.Atoi(string(buf[10:i]))
	panicOn(err)
	return n
}
