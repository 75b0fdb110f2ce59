package tcached

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
	"github.com/skipor/tcached/cache"
	"github.com/skipor/tcached/recycle"
)

const (
	MaxKeySize         = 250
	MaxItemSize        = 128 * (1 << 20) // 128 MB.
	DefaultMaxItemSize = 1 << 20
	MaxCommandSize     = 1 << 12

	MaxRelativeExptime = 60 * 60 * 24 * 30 // 30 days.

	Separator = "\r\n"

	SetCommand          = "set"
	AddCommand          = "add"
	ReplaceCommand      = "replace"
	AppendCommand       = "append"
	PrependCommand      = "prepend"
	CasCommand          = "cas"
	GetCommand          = "get"
	GetsCommand         = "gets"
	DeleteCommand       = "delete"
	IncrCommand         = "incr"
	DecrCommand         = "decr"
	FlushAllCommand     = "flush_all"
	VersionCommand      = "version"
	QuitCommand         = "quit"
	StreamingGetCommand = "streaming_get"

	NoReplyOption = "noreply"

	StoredResponse      = "STORED"
	NotStoredResponse   = "NOT_STORED"
	ExistsResponse      = "EXISTS"
	ValueResponse       = "VALUE"
	EndResponse         = "END"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	OkResponse          = "OK"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"
	VersionResponse     = "VERSION"
	ChunkResponse       = "CHUNK"

	Version = "1.0.0-tcached"

	// Implementation specific consts.
	InBufferSize  = 16 * (1 << 10)
	OutBufferSize = 16 * (1 << 10)
)

var _ = func() (_ struct{}) {
	if MaxCommandSize < InBufferSize {
		panic("max command should fit in input buffer")
	}
	return
}

var (
	ErrTooLargeKey          = errors.New("too large key")
	ErrTooLargeItem         = errors.New("too large item")
	ErrInvalidOption        = errors.New("invalid option")
	ErrTooManyFields        = errors.New("too many fields")
	ErrMoreFieldsRequired   = errors.New("more fields required")
	ErrTooLargeCommand      = errors.New("command length is too big")
	ErrEmptyCommand         = errors.New("empty command")
	ErrFieldsParseError     = errors.New("fields parse error ")
	ErrInvalidLineSeparator = errors.New("invalid line separator")
	ErrInvalidCharInKey     = errors.New("key contains invalid characters")
	ErrBadDelta             = errors.New("invalid numeric delta argument")
	ErrBadFlushDelay        = errors.New("invalid flush_all delay argument")

	separatorBytes = []byte(Separator)
)

func isInvalidFieldChar(b byte) bool {
	return b <= ' ' || b == 127
}

func checkKey(p []byte) error {
	if len(p) > MaxKeySize {
		return stackerr.Wrap(ErrTooLargeKey)
	}
	for _, b := range p {
		if isInvalidFieldChar(b) {
			return stackerr.Wrap(ErrInvalidCharInKey)
		}
	}
	return nil
}

func parseKey(p []byte) (key string, err error) {
	err = checkKey(p)
	if err != nil {
		return
	}
	key = string(p)
	return
}

func parseSetFields(fields [][]byte) (m cache.ItemMeta, noreply bool, err error) {
	const extraRequired = 3
	var key []byte
	var extra [][]byte
	key, extra, noreply, err = parseKeyFields(fields, extraRequired)
	if err != nil {
		return
	}
	m.Key, err = parseKey(key)
	if err != nil {
		return
	}
	var parsed [extraRequired]uint64
	for i, f := range extra {
		parsed[i], err = strconv.ParseUint(string(f), 10, 32)
		if err != nil {
			err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
			return
		}
	}
	m.Flags = uint32(parsed[0])
	// Exptime is passed through exactly as the wire sent it; resolving
	// the relative/absolute/default_ttl/max_ttl convention is the
	// coordinator's job (coordinator.ResolveExpiry), not the parser's.
	m.Exptime = int64(parsed[1])
	m.Bytes = int(parsed[2])
	if m.Bytes < 0 || m.Bytes > MaxItemSize {
		err = ErrTooLargeItem
	}
	return
}

// parseCasFields parses "cas <key> <flags> <exptime> <bytes> <cas unique> [noreply]".
func parseCasFields(fields [][]byte) (m cache.ItemMeta, noreply bool, err error) {
	const extraRequired = 4
	var key []byte
	var extra [][]byte
	key, extra, noreply, err = parseKeyFields(fields, extraRequired)
	if err != nil {
		return
	}
	m.Key, err = parseKey(key)
	if err != nil {
		return
	}
	flags, err := strconv.ParseUint(string(extra[0]), 10, 32)
	if err != nil {
		err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
		return
	}
	exptime, err := strconv.ParseInt(string(extra[1]), 10, 64)
	if err != nil {
		err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
		return
	}
	nbytes, err := strconv.ParseUint(string(extra[2]), 10, 32)
	if err != nil {
		err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
		return
	}
	cas, err := strconv.ParseUint(string(extra[3]), 10, 64)
	if err != nil {
		err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
		return
	}
	m.Flags = uint32(flags)
	m.Exptime = exptime
	m.Bytes = int(nbytes)
	m.Cas = cas
	if m.Bytes < 0 || m.Bytes > MaxItemSize {
		err = ErrTooLargeItem
	}
	return
}

// parseIncrDecrFields parses "incr|decr <key> <delta> [noreply]".
func parseIncrDecrFields(fields [][]byte) (key string, delta uint64, noreply bool, err error) {
	const extraRequired = 1
	var rawKey []byte
	var extra [][]byte
	rawKey, extra, noreply, err = parseKeyFields(fields, extraRequired)
	if err != nil {
		return
	}
	key, err = parseKey(rawKey)
	if err != nil {
		return
	}
	delta, err = strconv.ParseUint(string(extra[0]), 10, 64)
	if err != nil {
		err = stackerr.Wrap(ErrBadDelta)
		return
	}
	return
}

// parseFlushAllFields parses "flush_all [delay] [noreply]"; delay
// defaults to 0 (flush immediately).
func parseFlushAllFields(fields [][]byte) (delay int64, noreply bool, err error) {
	if len(fields) == 0 {
		return 0, false, nil
	}
	if string(fields[0]) == NoReplyOption {
		return 0, true, nil
	}
	delay, err = strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil {
		err = stackerr.Wrap(ErrBadFlushDelay)
		return
	}
	if len(fields) > 1 {
		if len(fields) != 2 || string(fields[1]) != NoReplyOption {
			err = stackerr.Wrap(ErrInvalidOption)
			return
		}
		noreply = true
	}
	return
}

// parseStreamingGetFields parses "streaming_get <key> <chunk_size>".
func parseStreamingGetFields(fields [][]byte) (key string, chunkSize int, err error) {
	if len(fields) != 2 {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key, err = parseKey(fields[0])
	if err != nil {
		return
	}
	size, err := strconv.ParseUint(string(fields[1]), 10, 32)
	if err != nil {
		err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
		return
	}
	chunkSize = int(size)
	if chunkSize <= 0 {
		err = stackerr.Wrap(ErrFieldsParseError)
	}
	return
}

func parseKeyFields(fields [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(fields) < 1+extraRequired {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key = fields[0]
	extra = fields[1:][:extraRequired]
	options := fields[1:][extraRequired:]
	const maxOptions = 1
	if len(options) > maxOptions {
		err = stackerr.Wrap(ErrTooManyFields)
		return
	}
	if len(options) != 0 {
		if string(options[0]) != NoReplyOption {
			err = stackerr.Wrap(ErrInvalidOption)
			return
		}
		noreply = true
	}
	return
}

type reader struct {
	*bufio.Reader
	pool *recycle.Pool
}

func newReader(r io.Reader, p *recycle.Pool) reader {
	return reader{
		Reader: bufio.NewReaderSize(r, InBufferSize),
		pool:   p,
	}
}

// WARN: retuned byte slices points into read buffed and invalidated after next read.
func (r reader) readCommand() (command []byte, fields [][]byte, clientErr, err error) {
	var lineWithSeparator []byte
	// We accept only "\r\n" separator, so can't use ReadLine here.
	lineWithSeparator, err = r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		// Too big command.
		clientErr = stackerr.Wrap(ErrTooLargeCommand)
		err = r.discardCommand()
		return
	}
	if err == io.EOF {
		if len(lineWithSeparator) != 0 {
			err = stackerr.Wrap(io.ErrUnexpectedEOF)
		}
		return
	}
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
		return
	}
	line := bytes.TrimSuffix(lineWithSeparator, separatorBytes)
	split := bytes.Fields(line)
	if len(split) == 0 {
		clientErr = stackerr.Wrap(ErrEmptyCommand)
		return
	}
	command = split[0]
	fields = split[1:]
	return
}

func (r reader) readDataBlock(size int) (data *recycle.Data, clientErr, err error) {
	data, err = r.pool.ReadData(r, size)
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	defer func() {
		if clientErr != nil || err != nil {
			data.Recycle()
			data = nil
		}
	}()
	var sep []byte
	sep, err = r.ReadSlice('\n')
	err = stackerr.Wrap(err)
	if err == nil && !bytes.Equal(sep, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
	}
	return
}

// discardCommand discard all input untill next separator.
func (r reader) discardCommand() error {
	for {
		lineWithSeparator, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return err
		}
		if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
			continue
		}
		return nil
	}
}
