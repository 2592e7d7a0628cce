package common

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	// Submit submit a new task parameter for processing
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// ProcessNewTaskParam process a new task param
	ProcessNewTaskParam(newTaskParam interface{}) error
	// SetTaskExecutionMap replace the task param to execution mapping
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	// AddToTaskExecutionMap add a new entry to the task param to execution mapping
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	// StartEventLoop start the event loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the event loop. Queued tasks not yet processed are abandoned.
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name             string
	operationContext context.Context
	contextCancel    context.CancelFunc
	newTasks         chan interface{}
	lock             sync.RWMutex
	executionMap     map[reflect.Type]TaskHandler
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	ctxt context.Context, name string, taskBuffer int,
) (TaskProcessor, error) {
	if taskBuffer < 1 {
		return nil, fmt.Errorf("[TP %s] task buffer must be positive", name)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:        Component{LogTags: logTags},
		name:             name,
		operationContext: optCtxt,
		contextCancel:    cancel,
		newTasks:         make(chan interface{}, taskBuffer),
		executionMap:     make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	if p.operationContext.Err() != nil {
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationContext.Done():
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
}

// SetTaskExecutionMap update the task param to execution mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap = newMap
	return nil
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap[theType] = handler
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.contextCancel()
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.lock.RLock()
	theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]
	empty := len(p.executionMap) == 0
	p.lock.RUnlock()
	if empty {
		return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
	}
	if !ok {
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return theHandler(newTaskParam)
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.operationContext.Done():
				return
			case newTaskParam := <-p.newTasks:
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}

// ==============================================================================

// KeyedTask a task parameter carrying a routing key. Tasks sharing a key are always
// processed by the same worker, in submission order.
type KeyedTask interface {
	TaskKey() string
}

// keyedTaskDemuxProcessorImpl implement TaskProcessor with multiple parallel workers,
// routing each task to a worker by its key
type keyedTaskDemuxProcessorImpl struct {
	Component
	name    string
	workers []TaskProcessor
}

// GetNewKeyedTaskDemuxProcessorInstance get instance of a keyed TaskProcessor demux
func GetNewKeyedTaskDemuxProcessorInstance(
	ctxt context.Context, name string, taskBuffer int, workerNum int,
) (TaskProcessor, error) {
	if workerNum < 1 {
		return nil, fmt.Errorf("[TDP %s] need at least one worker", name)
	}
	workers := make([]TaskProcessor, workerNum)
	for itr := 0; itr < workerNum; itr++ {
		workerTP, err := GetNewTaskProcessorInstance(
			ctxt, fmt.Sprintf("%s.worker.%d", name, itr), taskBuffer,
		)
		if err != nil {
			return nil, err
		}
		workers[itr] = workerTP
	}
	logTags := log.Fields{
		"module": "common", "component": "keyed-task-demux-processor", "instance": name,
	}
	return &keyedTaskDemuxProcessorImpl{
		Component: Component{LogTags: logTags},
		name:      name,
		workers:   workers,
	}, nil
}

// workerIndex select the worker for a routing key
func (p *keyedTaskDemuxProcessorImpl) workerIndex(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(len(p.workers)))
}

// Submit route the task to the worker owning its key
func (p *keyedTaskDemuxProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	keyed, ok := newTaskParam.(KeyedTask)
	if !ok {
		return fmt.Errorf("[TDP %s] %s carries no routing key", p.name, reflect.TypeOf(newTaskParam))
	}
	return p.workers[p.workerIndex(keyed.TaskKey())].Submit(ctxt, newTaskParam)
}

// ProcessNewTaskParam process the task directly on the calling goroutine using the
// handler of its owning worker
func (p *keyedTaskDemuxProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	keyed, ok := newTaskParam.(KeyedTask)
	if !ok {
		return fmt.Errorf("[TDP %s] %s carries no routing key", p.name, reflect.TypeOf(newTaskParam))
	}
	return p.workers[p.workerIndex(keyed.TaskKey())].ProcessNewTaskParam(newTaskParam)
}

// SetTaskExecutionMap update the task execution map for all workers
func (p *keyedTaskDemuxProcessorImpl) SetTaskExecutionMap(
	newMap map[reflect.Type]TaskHandler,
) error {
	for _, worker := range p.workers {
		workerMap := make(map[reflect.Type]TaskHandler, len(newMap))
		for k, v := range newMap {
			workerMap[k] = v
		}
		if err := worker.SetTaskExecutionMap(workerMap); err != nil {
			return err
		}
	}
	return nil
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *keyedTaskDemuxProcessorImpl) AddToTaskExecutionMap(
	theType reflect.Type, handler TaskHandler,
) error {
	for _, worker := range p.workers {
		if err := worker.AddToTaskExecutionMap(theType, handler); err != nil {
			return err
		}
	}
	return nil
}

// StartEventLoop start the event loop of every worker
func (p *keyedTaskDemuxProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loops")
	for _, worker := range p.workers {
		if err := worker.StartEventLoop(wg); err != nil {
			return err
		}
	}
	return nil
}

// StopEventLoop stop the event loop of every worker
func (p *keyedTaskDemuxProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loops")
	for _, worker := range p.workers {
		_ = worker.StopEventLoop()
	}
	return nil
}
