package tcached

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/tcached/cache"
	"github.com/skipor/tcached/coordinator"
	"github.com/skipor/tcached/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	Log    log.Logger
	*ConnMeta
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc, m.Pool),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		Log:      l,
		ConnMeta: m,
	}
}

func (c *conn) serve() {
	c.Log.Debug("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
		}
		c.Close()
		c.Log.Debug("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				// Just client disconnect. Ok.
				return nil
			}
			return stackerr.Wrap(err)
		}
		if clientErr == nil {
			c.Log.Debugf("Command: %s.", command)
			switch string(command) { // No allocation.
			case GetCommand:
				clientErr, err = c.get(fields, false)
			case GetsCommand:
				clientErr, err = c.get(fields, true)
			case SetCommand:
				clientErr, err = c.storeCommand(fields, storeSet)
			case AddCommand:
				clientErr, err = c.storeCommand(fields, storeAdd)
			case ReplaceCommand:
				clientErr, err = c.storeCommand(fields, storeReplace)
			case AppendCommand:
				clientErr, err = c.appendPrepend(fields, false)
			case PrependCommand:
				clientErr, err = c.appendPrepend(fields, true)
			case CasCommand:
				clientErr, err = c.cas(fields)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			case IncrCommand:
				clientErr, err = c.incrDecr(fields, true)
			case DecrCommand:
				clientErr, err = c.incrDecr(fields, false)
			case FlushAllCommand:
				clientErr, err = c.flushAll(fields)
			case VersionCommand:
				err = c.version()
			case QuitCommand:
				return nil
			case StreamingGetCommand:
				clientErr, err = c.streamingGet(fields)
			default:
				c.Log.Errorf("Unexpected command: %s", command)
				err = c.sendResponse(ErrorResponse)
			}
		}
		if clientErr != nil && err == nil {
			err = c.sendClientError(clientErr)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.CommandTimeout)
}

func (c *conn) get(fields [][]byte, withCas bool) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	for _, key := range fields {
		clientErr = checkKey(key)
		if clientErr != nil {
			return
		}
	}

	ctx, cancel := c.commandContext()
	defer cancel()
	now := time.Now().Unix()

	var views []cache.ItemView
	for _, key := range fields {
		view, ok, gerr := c.Coordinator.Get(ctx, string(key), now)
		if gerr != nil {
			for _, v := range views {
				v.Reader.Close()
			}
			err = stackerr.Wrap(gerr)
			return
		}
		if ok {
			views = append(views, view)
		}
	}

	err = c.sendGetResponse(views, withCas)
	return
}

func (c *conn) sendGetResponse(views []cache.ItemView, withCas bool) error {
	c.Log.Debugf("Sending %v founded values.", len(views))
	var readerIndex int
	defer func() {
		// Close readers which were not successfully sent.
		for ; readerIndex < len(views); readerIndex++ {
			views[readerIndex].Reader.Close()
		}
	}()
	for ; readerIndex < len(views); readerIndex++ {
		view := views[readerIndex]
		c.Log.Debugf("Sending value %v. Key %s.", readerIndex, view.Key)
		c.WriteString(ValueResponse)
		c.WriteByte(' ')
		c.WriteString(view.Key)
		if withCas {
			fmt.Fprintf(c, " %v %v %v"+Separator, view.Flags, view.Bytes, view.Cas)
		} else {
			fmt.Fprintf(c, " %v %v"+Separator, view.Flags, view.Bytes)
		}
		if _, err := view.Reader.WriteTo(c); err != nil {
			return stackerr.Wrap(err)
		}
		if _, err := c.WriteString(Separator); err != nil {
			return stackerr.Wrap(err)
		}
		view.Reader.Close()
	}
	return c.sendResponse(EndResponse)
}

type storeVerb int

const (
	storeSet storeVerb = iota
	storeAdd
	storeReplace
)

func (c *conn) storeCommand(fields [][]byte, verb storeVerb) (clientErr, err error) {
	m, noreply, perr := parseSetFields(fields)
	if perr != nil {
		clientErr = perr
		err = c.discardCommand()
		return
	}
	if m.Bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(m.Bytes + len(Separator))
		return
	}
	data, clientErr, err := c.readDataBlock(m.Bytes)
	if err != nil || clientErr != nil {
		return
	}

	ctx, cancel := c.commandContext()
	defer cancel()
	now := time.Now().Unix()

	var serr error
	switch verb {
	case storeAdd:
		_, serr = c.Coordinator.Add(ctx, m.Key, data, m.Flags, m.Exptime, now)
	case storeReplace:
		_, serr = c.Coordinator.Replace(ctx, m.Key, data, m.Flags, m.Exptime, now)
	default:
		_, serr = c.Coordinator.Set(ctx, m.Key, data, m.Flags, m.Exptime, now)
	}
	return c.finishStore(serr, noreply)
}

func (c *conn) cas(fields [][]byte) (clientErr, err error) {
	m, noreply, perr := parseCasFields(fields)
	if perr != nil {
		clientErr = perr
		err = c.discardCommand()
		return
	}
	if m.Bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(m.Bytes + len(Separator))
		return
	}
	data, clientErr, err := c.readDataBlock(m.Bytes)
	if err != nil || clientErr != nil {
		return
	}

	ctx, cancel := c.commandContext()
	defer cancel()
	now := time.Now().Unix()

	_, serr := c.Coordinator.Cas(ctx, m.Key, data, m.Flags, m.Exptime, m.Cas, now)
	return c.finishStore(serr, noreply)
}

func (c *conn) appendPrepend(fields [][]byte, prepend bool) (clientErr, err error) {
	m, noreply, perr := parseSetFields(fields)
	if perr != nil {
		clientErr = perr
		err = c.discardCommand()
		return
	}
	if m.Bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(m.Bytes + len(Separator))
		return
	}
	data, clientErr, err := c.readDataBlock(m.Bytes)
	if err != nil || clientErr != nil {
		return
	}

	ctx, cancel := c.commandContext()
	defer cancel()
	now := time.Now().Unix()

	var serr error
	if prepend {
		_, serr = c.Coordinator.Prepend(ctx, m.Key, data, now)
	} else {
		_, serr = c.Coordinator.Append(ctx, m.Key, data, now)
	}
	return c.finishStore(serr, noreply)
}

// finishStore maps a store-command outcome to the wire response and
// honors noreply on the success path (errors are still reported).
func (c *conn) finishStore(serr error, noreply bool) (clientErr, err error) {
	if serr == nil {
		if noreply {
			err = c.Flush()
			return
		}
		err = c.sendResponse(StoredResponse)
		return
	}
	switch serr {
	case coordinator.ErrNotStored:
		if noreply {
			err = c.Flush()
			return
		}
		err = c.sendResponse(NotStoredResponse)
	case coordinator.ErrExists:
		if noreply {
			err = c.Flush()
			return
		}
		err = c.sendResponse(ExistsResponse)
	case coordinator.ErrNotFound:
		if noreply {
			err = c.Flush()
			return
		}
		err = c.sendResponse(NotFoundResponse)
	case cache.ErrL1Full:
		err = c.sendResponse(ServerErrorResponse + " out of memory")
	default:
		err = c.sendResponse(ServerErrorResponse + " " + serr.Error())
	}
	return
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	const extraRequired = 0
	var key []byte
	var noreply bool
	key, _, noreply, clientErr = parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}
	if clientErr = checkKey(key); clientErr != nil {
		return
	}

	ctx, cancel := c.commandContext()
	defer cancel()

	deleted, derr := c.Coordinator.Delete(ctx, string(key), time.Now().Unix())
	if derr != nil {
		err = c.sendResponse(ServerErrorResponse + " " + derr.Error())
		return
	}

	if noreply {
		err = c.Flush()
		return
	}
	response := NotFoundResponse
	if deleted {
		response = DeletedResponse
	}
	err = c.sendResponse(response)
	return
}

func (c *conn) incrDecr(fields [][]byte, incr bool) (clientErr, err error) {
	key, delta, noreply, perr := parseIncrDecrFields(fields)
	if perr != nil {
		clientErr = perr
		return
	}

	ctx, cancel := c.commandContext()
	defer cancel()
	now := time.Now().Unix()

	var next uint64
	var serr error
	if incr {
		next, serr = c.Coordinator.Incr(ctx, key, delta, now)
	} else {
		next, serr = c.Coordinator.Decr(ctx, key, delta, now)
	}

	switch serr {
	case nil:
		if noreply {
			err = c.Flush()
			return
		}
		err = c.sendResponse(strconv.FormatUint(next, 10))
	case coordinator.ErrNotFound:
		if noreply {
			err = c.Flush()
			return
		}
		err = c.sendResponse(NotFoundResponse)
	case coordinator.ErrBadValue:
		clientErr = stackerr.Wrap(serr)
	default:
		err = c.sendResponse(ServerErrorResponse + " " + serr.Error())
	}
	return
}

func (c *conn) flushAll(fields [][]byte) (clientErr, err error) {
	delay, noreply, perr := parseFlushAllFields(fields)
	if perr != nil {
		clientErr = perr
		return
	}
	c.Coordinator.FlushAll(delay, time.Now().Unix())
	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(OkResponse)
	return
}

func (c *conn) version() error {
	return c.sendResponse(VersionResponse + " " + Version)
}

func (c *conn) streamingGet(fields [][]byte) (clientErr, err error) {
	key, chunkSize, perr := parseStreamingGetFields(fields)
	if perr != nil {
		clientErr = perr
		return
	}

	ctx, cancel := c.commandContext()
	defer cancel()

	view, ok, gerr := c.Coordinator.Get(ctx, key, time.Now().Unix())
	if gerr != nil {
		err = stackerr.Wrap(gerr)
		return
	}
	if !ok {
		err = c.sendResponse(EndResponse)
		return
	}

	it := coordinator.NewChunkIterator(view.Reader, chunkSize)
	for seq := 0; ; seq++ {
		chunk, more := it.Next()
		if !more {
			break
		}
		c.WriteString(ChunkResponse)
		fmt.Fprintf(c, " %d %d"+Separator, seq, len(chunk))
		if _, werr := c.Write(chunk); werr != nil {
			it.Close()
			err = stackerr.Wrap(werr)
			return
		}
		if _, werr := c.WriteString(Separator); werr != nil {
			it.Close()
			err = stackerr.Wrap(werr)
			return
		}
	}
	err = c.sendResponse(EndResponse)
	return
}

func (c *conn) serverError(err error) {
	c.Log.Error("Server error: ", err)
	if err == io.ErrUnexpectedEOF {
		return
	}
	err = unwrap(err)
	c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, err))
}

func (c *conn) sendClientError(err error) error {
	c.Log.Error("Client error: ", err)
	err = unwrap(err)
	return c.sendResponse(fmt.Sprintf("%s %s", ClientErrorResponse, err))
}

func (c *conn) sendResponse(res string) error {
	c.WriteString(res)
	c.WriteString(Separator)
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}
