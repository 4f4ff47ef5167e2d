package utils_test

import (
	"fmt"
	"medassist-backend/internal/core/utils"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunInPool(t *testing.T) {
	worker := func(i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error")
		}
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	queue := make(chan int, 10)
	for i := 0; i < 10; i++ {
		queue <- i
	}
	close(queue)

	output := make(chan utils.CompletedTask[int, string], 10)

	utils.RunInPool(worker, queue, output, 5)

	var failed []int
	success := 0
	for result := range output {
		if result.Error != nil {
			failed = append(failed, result.Input)
		} else {
			assert.Equal(t, fmt.Sprintf("%d-%d", result.Input, result.Input), result.Result)
			success++
		}
	}

	assert.Equal(t, 8, success)
	assert.ElementsMatch(t, []int{3, 7}, failed)
}

func TestRunInPoolEmptyQueue(t *testing.T) {
	queue := make(chan int)
	close(queue)

	output := make(chan utils.CompletedTask[int, int])
	utils.RunInPool(func(i int) (int, error) { return i, nil }, queue, output, 4)

	_, ok := <-output
	assert.False(t, ok)
}
