package distsort

import (
	"net"
	"net/http"
	"net/rpc"

	"github.com/paulniziolek/distsort/pkg/distsort/task"
)

type GetTaskRequest struct {
	WorkerID string
	Capacity int
}

type GetTaskResponse struct {
	Task *task.Task
	Done bool
}

type ReportRequest struct {
	WorkerID string
	TaskKey  string
}

type ReportReply struct {
	Accepted bool
}

type PingRequest struct {
	WorkerID string
}

type PingReply struct {
	Phase Phase
}

// Empty is the argument and reply of the worker control calls.
type Empty struct{}

// MasterClient is the master's surface as seen by a worker.
type MasterClient interface {
	GetTask(workerID string, capacity int) (t *task.Task, done bool, err error)
	AddGroupingResults(workerID, taskKey string) error
	AddSortingResults(workerID, taskKey string) error
	Ping(workerID string) error
}

// RPCMasterClient dials the master for every call.
type RPCMasterClient struct {
	Addr string
}

func (c *RPCMasterClient) GetTask(workerID string, capacity int) (*task.Task, bool, error) {
	resp := &GetTaskResponse{}
	if err := call(c.Addr, "Master.GetTask", &GetTaskRequest{WorkerID: workerID, Capacity: capacity}, resp); err != nil {
		return nil, false, err
	}
	return resp.Task, resp.Done, nil
}

func (c *RPCMasterClient) AddGroupingResults(workerID, taskKey string) error {
	return call(c.Addr, "Master.AddGroupingResults", &ReportRequest{WorkerID: workerID, TaskKey: taskKey}, &ReportReply{})
}

func (c *RPCMasterClient) AddSortingResults(workerID, taskKey string) error {
	return call(c.Addr, "Master.AddSortingResults", &ReportRequest{WorkerID: workerID, TaskKey: taskKey}, &ReportReply{})
}

func (c *RPCMasterClient) Ping(workerID string) error {
	return call(c.Addr, "Master.Ping", &PingRequest{WorkerID: workerID}, &PingReply{})
}

// WorkerClient is the master's handle for a worker's control surface.
type WorkerClient struct {
	Addr string
}

func (c *WorkerClient) Launch() error {
	return call(c.Addr, "Worker.Launch", &Empty{}, &Empty{})
}

func (c *WorkerClient) Shutdown() error {
	return call(c.Addr, "Worker.Shutdown", &Empty{}, &Empty{})
}

func (c *WorkerClient) Ping() error {
	return call(c.Addr, "Worker.Ping", &Empty{}, &Empty{})
}

// serve registers rcvr under name on a private rpc.Server and serves it
// over HTTP on addr.
func serve(name string, rcvr interface{}, addr string) (net.Listener, error) {
	s := rpc.NewServer()
	if err := s.RegisterName(name, rcvr); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, s)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go http.Serve(l, mux)
	return l, nil
}

// send an RPC request, wait for the response.
func call(addr, rpcname string, args interface{}, reply interface{}) error {
	c, err := rpc.DialHTTP("tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial", Path: addr, Err: err}
	}
	defer c.Close()

	if err := c.Call(rpcname, args, reply); err != nil {
		return &TransportError{Op: rpcname, Path: addr, Err: err}
	}
	return nil
}
